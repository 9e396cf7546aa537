package codegen

import (
	"github.com/danshapiro/ticketsmith/internal/pipeline/graph"
	"github.com/danshapiro/ticketsmith/internal/pipeline/runtime"
	"github.com/danshapiro/ticketsmith/internal/pipeline/validate"
)

// GraphName identifies checkpoints written by this pipeline.
const GraphName = "ticket_to_app"

// BuildGraph assembles and compiles the ticket-to-app pipeline.
func BuildGraph(cfg *RunConfigFile, deps Deps) (*graph.Graph, []validate.Diagnostic, error) {
	p, err := newPipeline(cfg, deps)
	if err != nil {
		return nil, nil, err
	}
	b, err := p.build()
	if err != nil {
		return nil, nil, err
	}
	return b.Compile()
}

// build registers nodes and edges. Builder errors are recorded and
// returned by Compile.
func (p *pipeline) build() (*graph.Builder, error) {
	b := graph.New(GraphName)
	b.Inputs(KeyProjectKey, KeyTicketKeys)
	if err := registerSchemas(b); err != nil {
		return nil, err
	}

	arch := p.arch.Keys()
	testFix := p.testFix.Keys()
	appFix := p.appFix.Keys()
	w := runtime.KeyWarnings

	b.AddNode(NodeHealthCheck, p.healthCheck, graph.Writes(KeyHealth))
	b.AddNode(NodeJiraReader, p.jiraReader,
		graph.Reads(KeyProjectKey, KeyTicketKeys),
		graph.Writes(KeyTickets, KeyEpicDescription),
		graph.Writes(arch...))
	b.AddNode(NodeSystemArchitect, p.systemArchitect,
		graph.Reads(KeyTickets, KeyEpicDescription, KeyAppGoal, KeyRequirementsAnalysis, p.arch.ExitKey()),
		graph.Writes(KeyAppGoal, KeyArchitecturePlan, KeyModules))
	b.AddNode(NodeRequirementsAnalyzer, p.requirementsAnalyzer,
		graph.Reads(KeyEpicDescription, KeyArchitecturePlan, KeyModules, w),
		graph.Reads(arch...),
		graph.Writes(KeyArchitectureApproved, KeyRequirementsAnalysis, w),
		graph.Writes(arch...))
	b.AddNode(NodeSpecAgent, p.specAgent,
		graph.Reads(KeyTickets, KeyModules, w),
		graph.Writes(KeySpecs, w))
	b.AddNode(NodeSpecReviewer, p.specReviewer,
		graph.Reads(KeySpecs),
		graph.Writes(KeySpecReviews))
	b.AddNode(NodeGenerateTests, p.generateTests,
		graph.Reads(KeySpecs, w),
		graph.Writes(KeyTestFiles, w))
	b.AddNode(NodeGenerateCode, p.generateCode,
		graph.Reads(KeySpecs, KeyTestFiles, w),
		graph.Writes(KeyCodeFiles, w))
	b.AddNode(NodeValidateModules, p.validateModules,
		graph.Reads(KeyCodeFiles, KeySpecs, w),
		graph.Writes(KeyMissingFunctions, w),
		graph.Writes(testFix...))
	b.AddNode(NodeRunTests, p.runTests,
		graph.Reads(KeyTestFiles),
		graph.Writes(KeyTestResults, KeyPassed, KeyFailed, KeyCollected))
	b.AddNode(NodeFixAnalyzer, p.fixAnalyzer,
		graph.Reads(KeyTestResults, KeyFailed, KeyCollected, w),
		graph.Reads(testFix...),
		graph.Writes(KeyTestsMisconfigured, w),
		graph.Writes(testFix...))
	b.AddNode(NodeFixerAgent, p.fixerAgent,
		graph.Reads(KeyTestResults, KeyCodeFiles, KeyTestFiles, KeySpecs, w),
		graph.Writes(KeyFixedModules, w))
	b.AddNode(NodeUIDesigner, p.uiDesigner,
		graph.Reads(KeyCodeFiles, KeySpecs, KeyEpicDescription),
		graph.Writes(KeyUIDesign, KeyUIPattern))
	b.AddNode(NodeGenerateMainApp, p.generateMainApp,
		graph.Reads(KeyCodeFiles, KeyModules, KeyUIPattern, KeyUIDesign, KeyArchitecturePlan, w),
		graph.Writes(KeyAppPath, w),
		graph.Writes(appFix...))
	b.AddNode(NodeValidateApp, p.validateApp,
		graph.Reads(KeyCodeFiles, KeyAppPath, w),
		graph.Reads(appFix...),
		graph.Writes(KeyAppErrors, w),
		graph.Writes(appFix...))
	b.AddNode(NodeFixApp, p.fixApp,
		graph.Reads(KeyCodeFiles, KeyAppPath, KeyAppErrors, w),
		graph.Writes(KeyAppFixed, w))
	b.AddNode(NodeQualityReview, p.qualityReview,
		graph.Reads(KeyAppPath, KeyPassed, KeyFailed, w),
		graph.Writes(KeyQualityReport))

	b.AddEdge(graph.Start, NodeHealthCheck)
	b.AddEdge(NodeHealthCheck, NodeJiraReader)
	b.AddEdge(NodeJiraReader, NodeSystemArchitect)
	b.AddEdge(NodeSystemArchitect, NodeRequirementsAnalyzer)
	b.AddConditionalEdge(NodeRequirementsAnalyzer, p.arch.Route("regenerate", "continue"), map[string]string{
		"regenerate": NodeSystemArchitect,
		"continue":   NodeSpecAgent,
	})
	b.AddEdge(NodeSpecAgent, NodeSpecReviewer)
	b.AddEdge(NodeSpecReviewer, NodeGenerateTests)
	b.AddEdge(NodeGenerateTests, NodeGenerateCode)
	b.AddEdge(NodeGenerateCode, NodeValidateModules)
	b.AddEdge(NodeValidateModules, NodeRunTests)
	b.AddEdge(NodeRunTests, NodeFixAnalyzer)
	b.AddConditionalEdge(NodeFixAnalyzer, p.routeAfterTests, map[string]string{
		"fix":      NodeFixerAgent,
		"continue": NodeUIDesigner,
	})
	b.AddEdge(NodeFixerAgent, NodeRunTests)
	b.AddEdge(NodeUIDesigner, NodeGenerateMainApp)
	b.AddEdge(NodeGenerateMainApp, NodeValidateApp)
	b.AddConditionalEdge(NodeValidateApp, p.appFix.Route("fix", "continue"), map[string]string{
		"fix":      NodeFixApp,
		"continue": NodeQualityReview,
	})
	b.AddEdge(NodeFixApp, NodeValidateApp)
	b.AddEdge(NodeQualityReview, graph.End)
	return b, nil
}
