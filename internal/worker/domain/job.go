package domain

// Job is a claimed generation job
type Job struct {
	JobID      string `db:"job_id"`
	ModelID    string `db:"model_id"`
	Prompt     string `db:"prompt"`
	NumOutputs int    `db:"num_outputs"`
	InputImage []byte `db:"input_image"`
	InputMIME  string `db:"input_mime"`
	Attempts   int    `db:"attempts"`
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	ModelID     string `json:"model_id"`
	DeliveryTag uint64 `json:"-"`
}
