package httpapi

type RunParams struct {
	RunID string `param:"run_id"`
}

type StartRunParams struct {
	BuildNumber string `json:"build_number"`
	Revision    string `json:"revision"`
	Repository  string `json:"repository"`
}

type ListRunsParams struct {
	Limit int `query:"limit"`
}
