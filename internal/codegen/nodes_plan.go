package codegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/danshapiro/ticketsmith/internal/pipeline/loopguard"
	"github.com/danshapiro/ticketsmith/internal/pipeline/runtime"
	"github.com/danshapiro/ticketsmith/internal/tracker"
)

func (p *pipeline) healthCheck(ctx context.Context, s runtime.State) (map[string]any, error) {
	health := map[string]any{"llm": "skipped", "tracker": "ok"}
	if p.deps.LLMHealth != nil {
		if err := p.deps.LLMHealth.Ping(ctx); err != nil {
			return nil, fmt.Errorf("language model unavailable: %w", err)
		}
		health["llm"] = "ok"
	}
	if err := p.deps.Tracker.Ping(ctx); err != nil {
		return nil, fmt.Errorf("tracker unavailable: %w", err)
	}
	health["checked_at"] = time.Now().UTC().Format(time.RFC3339)
	return map[string]any{KeyHealth: health}, nil
}

// jiraReader loads the requested tickets. Epics are not built; their
// description becomes the application goal.
func (p *pipeline) jiraReader(ctx context.Context, s runtime.State) (map[string]any, error) {
	keys := s.GetStrings(KeyTicketKeys)
	if len(keys) == 0 {
		return nil, errors.New("no ticket keys given")
	}
	project := s.GetString(KeyProjectKey, p.cfg.ProjectKey)
	if len(keys) == 1 && strings.EqualFold(keys[0], tracker.AllItems) {
		p.log.Info("loading every ticket in project", "project", project)
	}
	items, err := p.deps.Tracker.FetchWorkItems(ctx, project, strings.Join(keys, ","))
	if err != nil {
		return nil, err
	}

	var tickets []Ticket
	var epics []string
	for _, it := range items {
		if it.IsEpic() {
			if strings.TrimSpace(it.Description) == "" {
				p.log.Warn("epic has no description", "key", it.Key)
				continue
			}
			epics = append(epics, it.Description)
			continue
		}
		tickets = append(tickets, Ticket{Key: it.Key, Title: it.Title, Description: it.Description})
	}
	if len(tickets) == 0 {
		return nil, fmt.Errorf("no buildable tickets among %s", strings.Join(keys, ", "))
	}
	p.log.Info("tickets loaded", "tickets", len(tickets), "epics", len(epics))

	update := p.arch.Init()
	update[KeyTickets] = jsonValue(tickets)
	update[KeyEpicDescription] = strings.Join(epics, "\n\n")
	return update, nil
}

type architecture struct {
	AppName string `json:"app_name"`
	Modules []struct {
		Name      string   `json:"name"`
		Purpose   string   `json:"purpose"`
		Tickets   []string `json:"tickets"`
		Functions []string `json:"functions"`
	} `json:"modules"`
}

func (p *pipeline) systemArchitect(ctx context.Context, s runtime.State) (map[string]any, error) {
	tickets, err := decodeState[[]Ticket](s, KeyTickets)
	if err != nil {
		return nil, err
	}
	epic := s.GetString(KeyEpicDescription, "")

	goal := s.GetString(KeyAppGoal, "")
	switch {
	case epic != "":
		goal = "EPIC Requirements:\n" + epic
	case goal == "":
		g, err := p.complete(ctx, p.cfg.LLM.Models.Review, "", goalPrompt(tickets), 100)
		if err != nil {
			return nil, err
		}
		goal = strings.TrimSpace(g)
	}

	previous := ""
	if loopguard.Exit(s.GetString(p.arch.ExitKey(), "")) == loopguard.ExitRetry {
		previous = s.GetString(KeyRequirementsAnalysis, "")
	}
	raw, err := p.complete(ctx, p.cfg.LLM.Models.Architect, systemJSON, architecturePrompt(goal, tickets, previous), 0)
	if err != nil {
		return nil, err
	}
	plan := strings.TrimSpace(stripFences(raw))
	modules := parseArchitecture(plan, tickets)
	p.log.Info("architecture designed", "modules", sortedKeys(modules))

	return map[string]any{
		KeyAppGoal:          goal,
		KeyArchitecturePlan: plan,
		KeyModules:          jsonValue(modules),
	}, nil
}

// parseArchitecture falls back to a single module holding every ticket
// when the plan is not usable.
func parseArchitecture(plan string, tickets []Ticket) map[string]Module {
	var arch architecture
	modules := map[string]Module{}
	if err := json.Unmarshal([]byte(plan), &arch); err == nil {
		for _, m := range arch.Modules {
			name := moduleIdent(m.Name)
			if name == "" {
				continue
			}
			mod := modules[name]
			mod.Purpose = m.Purpose
			mod.Tickets = append(mod.Tickets, m.Tickets...)
			mod.Functions = append(mod.Functions, m.Functions...)
			modules[name] = mod
		}
	}
	if len(modules) > 0 {
		for name, mod := range modules {
			if mod.Tickets == nil {
				mod.Tickets = []string{}
			}
			if mod.Functions == nil {
				mod.Functions = []string{}
			}
			modules[name] = mod
		}
		return modules
	}
	all := make([]string, 0, len(tickets))
	for _, t := range tickets {
		all = append(all, t.Key)
	}
	return map[string]Module{"main": {Purpose: "Main module", Tickets: all, Functions: []string{}}}
}

func (p *pipeline) requirementsAnalyzer(ctx context.Context, s runtime.State) (map[string]any, error) {
	epic := s.GetString(KeyEpicDescription, "")
	if epic == "" {
		_, update := p.arch.Evaluate(s, nil, true)
		update[KeyArchitectureApproved] = true
		update[KeyRequirementsAnalysis] = "no epic requirements; architecture accepted"
		return update, nil
	}
	modules, err := decodeState[map[string]Module](s, KeyModules)
	if err != nil {
		return nil, err
	}
	analysis, err := p.complete(ctx, p.cfg.LLM.Models.Architect, "", requirementsPrompt(epic, s.GetString(KeyArchitecturePlan, ""), modules), 2000)
	if err != nil {
		return nil, err
	}
	ok := approved(analysis)
	var fp loopguard.Fingerprint
	if !ok {
		fp = loopguard.FromReasons(rejectionReasons(analysis)...)
	}
	d, update := p.arch.Evaluate(s, fp, ok)
	p.log.Info("requirements analysis", "approved", ok, "exit", d.Exit, "iteration", d.Iteration)
	update[KeyArchitectureApproved] = ok
	update[KeyRequirementsAnalysis] = analysis
	return update, nil
}

func (p *pipeline) specAgent(ctx context.Context, s runtime.State) (map[string]any, error) {
	tickets, err := decodeState[[]Ticket](s, KeyTickets)
	if err != nil {
		return nil, err
	}
	modules, err := decodeState[map[string]Module](s, KeyModules)
	if err != nil {
		return nil, err
	}
	var n notes
	specs, err := p.forEachModule(ctx, sortedKeys(modules), func(ctx context.Context, name string) (string, error) {
		mod := modules[name]
		var own []Ticket
		for _, t := range tickets {
			if slices.Contains(mod.Tickets, t.Key) {
				own = append(own, t)
			}
		}
		raw, err := p.complete(ctx, p.cfg.LLM.Models.Spec, systemJSON, specPrompt(name, mod, own), 3000)
		if err != nil {
			return "", err
		}
		spec := strings.TrimSpace(stripFences(raw))
		if !json.Valid([]byte(spec)) {
			n.add("spec for module %s was not valid JSON; using an empty spec", name)
			fallback, _ := json.Marshal(map[string]any{"module": name, "functions": []any{}, "edge_cases": []any{}, "acceptance": []any{}})
			spec = string(fallback)
		}
		return spec, nil
	})
	if err != nil {
		return nil, err
	}
	return n.into(s, map[string]any{KeySpecs: jsonValue(specs)}), nil
}

func (p *pipeline) specReviewer(ctx context.Context, s runtime.State) (map[string]any, error) {
	specs, err := decodeState[map[string]string](s, KeySpecs)
	if err != nil {
		return nil, err
	}
	reviews, err := p.forEachModule(ctx, sortedKeys(specs), func(ctx context.Context, name string) (string, error) {
		return p.complete(ctx, p.cfg.LLM.Models.Review, "", reviewPrompt(name, specs[name]), 500)
	})
	if err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(reviews) {
		p.log.Debug("spec review", "module", name, "review", reviews[name])
	}
	return map[string]any{KeySpecReviews: jsonValue(reviews)}, nil
}

// specFunctions lists the function names a module spec promises.
func specFunctions(spec string) []string {
	var doc struct {
		Functions []struct {
			Name string `json:"name"`
		} `json:"functions"`
	}
	if err := json.Unmarshal([]byte(spec), &doc); err != nil {
		return nil
	}
	out := make([]string, 0, len(doc.Functions))
	for _, f := range doc.Functions {
		if f.Name != "" {
			out = append(out, f.Name)
		}
	}
	return out
}
