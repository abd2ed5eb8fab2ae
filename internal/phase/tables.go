package phase

import "github.com/personadesk/run-orchestrator/internal/domain"

// Built-in phase tables, 5-7 entries per category. The last entry of each
// table is only reachable once the run is terminal.
var defaultTables = map[domain.RunCategory][]Phase{
	domain.CategoryExecution: {
		{Label: "starting", Keywords: []string{"spawn", "starting", "launch"}},
		{Label: "assembling prompt", Keywords: []string{"prompt", "context", "instructions"}},
		{Label: "resolving credentials", Keywords: []string{"credential", "vault", "token"}},
		{Label: "model inference", Keywords: []string{"model", "inference", "thinking", "streaming"}},
		{Label: "running tools", Keywords: []string{"tool", "executing", "command"}},
		{Label: "finalizing", Keywords: []string{"finaliz", "assessment", "wrapping up"}},
		{Label: "done", Keywords: []string{"completed", "finished"}},
	},
	domain.CategoryDesignReview: {
		{Label: "loading persona", Keywords: []string{"loading", "persona"}},
		{Label: "analyzing prompt", Keywords: []string{"analyzing", "prompt"}},
		{Label: "checking structure", Keywords: []string{"structure", "sections", "coverage"}},
		{Label: "scoring", Keywords: []string{"scoring", "rating", "grading"}},
		{Label: "writing report", Keywords: []string{"report", "recommendations"}},
		{Label: "done", Keywords: []string{"completed", "finished"}},
	},
	domain.CategoryCredentialDesign: {
		{Label: "inspecting connector", Keywords: []string{"connector", "inspecting"}},
		{Label: "deriving schema", Keywords: []string{"schema", "fields", "deriving"}},
		{Label: "drafting policy", Keywords: []string{"policy", "rotation", "drafting"}},
		{Label: "validating", Keywords: []string{"validating", "verify"}},
		{Label: "done", Keywords: []string{"completed", "finished"}},
	},
	domain.CategoryTemplateGenerate: {
		{Label: "gathering context", Keywords: []string{"gathering", "context", "reading"}},
		{Label: "generating", Keywords: []string{"generating", "drafting"}},
		{Label: "refining", Keywords: []string{"refining", "revising"}},
		{Label: "validating", Keywords: []string{"validating", "checking"}},
		{Label: "done", Keywords: []string{"completed", "finished"}},
	},
	domain.CategoryTemplateAdopt: {
		{Label: "fetching template", Keywords: []string{"fetching", "template"}},
		{Label: "mapping fields", Keywords: []string{"mapping", "fields"}},
		{Label: "merging", Keywords: []string{"merging", "applying"}},
		{Label: "validating", Keywords: []string{"validating", "checking"}},
		{Label: "done", Keywords: []string{"completed", "finished"}},
	},
	domain.CategoryLabArena: {
		{Label: "preparing arena", Keywords: []string{"preparing", "arena", "setup"}},
		{Label: "running contestants", Keywords: []string{"contestant", "running model"}},
		{Label: "collecting outputs", Keywords: []string{"collecting", "outputs"}},
		{Label: "judging", Keywords: []string{"judging", "judge"}},
		{Label: "ranking", Keywords: []string{"ranking", "leaderboard"}},
		{Label: "done", Keywords: []string{"completed", "finished"}},
	},
	domain.CategoryLabAB: {
		{Label: "preparing variants", Keywords: []string{"preparing", "variant"}},
		{Label: "running a", Keywords: []string{"variant a", "running a"}},
		{Label: "running b", Keywords: []string{"variant b", "running b"}},
		{Label: "comparing", Keywords: []string{"comparing", "diff"}},
		{Label: "done", Keywords: []string{"completed", "finished"}},
	},
	domain.CategoryLabMatrix: {
		{Label: "expanding matrix", Keywords: []string{"expanding", "matrix", "combinations"}},
		{Label: "dispatching cells", Keywords: []string{"dispatching", "cell"}},
		{Label: "collecting results", Keywords: []string{"collecting", "results"}},
		{Label: "aggregating", Keywords: []string{"aggregating", "summary"}},
		{Label: "done", Keywords: []string{"completed", "finished"}},
	},
	domain.CategoryLabEval: {
		{Label: "loading dataset", Keywords: []string{"loading", "dataset", "cases"}},
		{Label: "running cases", Keywords: []string{"case", "running"}},
		{Label: "scoring", Keywords: []string{"scoring", "grading"}},
		{Label: "aggregating", Keywords: []string{"aggregating", "summary"}},
		{Label: "done", Keywords: []string{"completed", "finished"}},
	},
	domain.CategoryTestRun: {
		{Label: "preparing", Keywords: []string{"preparing", "setup"}},
		{Label: "sending input", Keywords: []string{"input", "sending"}},
		{Label: "awaiting response", Keywords: []string{"response", "streaming", "waiting"}},
		{Label: "checking assertions", Keywords: []string{"assert", "checking", "expect"}},
		{Label: "done", Keywords: []string{"completed", "finished", "passed"}},
	},
}
