package api

// RunReq is a pipeline run request as submitted over a queue. It carries the
// same information as a run spec file, in JSON form, so schedulers can hand
// runs to a worker without a shared filesystem.
type RunReq struct {
	RunUuid string `json:"run_uuid"`

	// Start of the modeled window, RFC 3339.
	Start    string `json:"start"`
	NumHours int    `json:"num_hours"`

	RunRoot string `json:"run_root"`

	Stages []ReqStage `json:"stages"`
	Inputs []ReqInput `json:"inputs"`

	// Queue for result messages, when SQS gathering is requested.
	ResSqsUrl *string `json:"res_sqs_url"`
}

// ReqStage selects one registered stage and its per-run policy.
type ReqStage struct {
	Name string `json:"name"`

	Params map[string]string `json:"params"`

	Retries    int  `json:"retries"`
	BackoffSec int  `json:"backoff_sec"`
	BestEffort bool `json:"best_effort"`

	// Overrides the registry default when positive.
	TimeoutSec int `json:"timeout_sec"`
}

// ReqInput declares one file the run needs staged into the run root.
type ReqInput struct {
	// Sha256 identifies the file in the local store and is verified
	// after download.
	Sha256 *string `json:"sha256"`
	// Url to download the file from if missing.
	Url *string `json:"url"`
	// Content directly as an alternative to Url.
	Content *string `json:"content"`

	// Dest is the path relative to the run root.
	Dest string `json:"dest"`
}
