package scenario

// ScenarioRequest is the intercepted request under test.
type ScenarioRequest struct {
	URL       string `yaml:"url"`
	Type      string `yaml:"type,omitempty"`
	Initiator string `yaml:"initiator,omitempty"`
}

// Case is one test case within a scenario. Page, when set, navigates the
// session there before the request is processed.
type Case struct {
	Page     string              `yaml:"page,omitempty"`
	Signals  map[string][]string `yaml:"signals,omitempty"`
	Request  ScenarioRequest     `yaml:"request"`
	Expect   string              `yaml:"expect"`
	Deferred *bool               `yaml:"deferred,omitempty"`
}

// Scenario is a named sequence of requests in one browsing session.
// Cases run in order against a fresh offline pipeline, so frequency and
// context state carry from one case to the next.
type Scenario struct {
	Name    string `yaml:"name"`
	Session string `yaml:"session,omitempty"`
	Cases   []Case `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one test case.
type CaseResult struct {
	Index    int    `json:"index"`
	Passed   bool   `json:"passed"`
	URL      string `json:"url"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Score    int    `json:"score"`
	Deferred bool   `json:"deferred,omitempty"`
	// WantDeferred is the case's deferral expectation, nil when unchecked.
	WantDeferred *bool  `json:"want_deferred,omitempty"`
	Reason       string `json:"reason"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File   string       `json:"file"`
	Name   string       `json:"name"`
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases"`
}
