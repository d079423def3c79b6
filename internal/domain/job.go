package domain

import "time"

// Source identifies one uploaded object version.
type Source struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Version    string `json:"version,omitempty"`
}

// JobKey returns the deterministic job key of the source.
func (s Source) JobKey() JobKey {
	return NewJobKey(s.Collection, s.Key, s.Version)
}

// Acknowledger settles a notification with its source.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Notification is an "object created" event delivered at least once.
type Notification struct {
	Source          Source
	ContentTypeHint string
	ReceivedAt      time.Time
	Acknowledger    Acknowledger
}

// Job is one unit of work derived from a notification.
type Job struct {
	Key         JobKey
	Source      Source
	ContentType string
	ReceivedAt  time.Time
	Attempts    int
	State       JobState
}

// NewJob builds a Job in the RECEIVED state from a notification.
func NewJob(n Notification) *Job {
	return &Job{
		Key:         n.Source.JobKey(),
		Source:      n.Source,
		ContentType: n.ContentTypeHint,
		ReceivedAt:  n.ReceivedAt,
		State:       JobStateReceived,
	}
}

// DerivedObject is the artifact written for a completed job.
type DerivedObject struct {
	Key         string
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// JobResult is the structured record emitted when a job reaches a terminal state.
type JobResult struct {
	JobKey     JobKey    `json:"job_key"`
	Source     Source    `json:"source"`
	Outcome    Outcome   `json:"outcome"`
	Kind       ErrorKind `json:"kind,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Attempts   int       `json:"attempt_count"`
	DerivedKey string    `json:"derived_key,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	FinishedAt time.Time `json:"finished_at"`
}
