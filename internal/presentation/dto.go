// Package presentation converts process records into the shapes the CLI
// prints: flattened DTOs with the journal sorted into step order.
package presentation

import (
	"sort"

	"github.com/zjrosen/passport-consumer/internal/process"
)

// ProcessDTO represents a process for presentation
type ProcessDTO struct {
	ID       string    `json:"id"`
	State    string    `json:"state"`
	Endpoint string    `json:"endpoint"`
	BPN      string    `json:"bpn"`
	Created  int64     `json:"created"`
	Modified int64     `json:"modified"`
	Jobs     []JobDTO  `json:"jobs,omitempty"`
	Journal  []StepDTO `json:"journal"`
}

// JobDTO represents one registry search job run
type JobDTO struct {
	SearchID string `json:"search_id"`
	Status   string `json:"status"`
	Updated  int64  `json:"updated"`
}

// StepDTO represents one journal step with its latest entry
type StepDTO struct {
	Step    string `json:"step"`
	RefID   string `json:"ref_id"`
	Status  string `json:"status"`
	Started int64  `json:"started"`
	Updated int64  `json:"updated"`
}

// FromProcess converts a process record and its replayed journal to a DTO.
// Steps are sorted by first-write time so the output reads as a timeline.
func FromProcess(p *process.Process, history map[string]process.History) ProcessDTO {
	steps := make([]StepDTO, 0, len(history))
	for step, entry := range history {
		steps = append(steps, StepDTO{
			Step:    step,
			RefID:   entry.ID,
			Status:  entry.Status,
			Started: entry.Started,
			Updated: entry.Updated,
		})
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Started != steps[j].Started {
			return steps[i].Started < steps[j].Started
		}
		return steps[i].Step < steps[j].Step
	})

	jobs := make([]JobDTO, 0, len(p.Jobs))
	for searchID, job := range p.Jobs {
		jobs = append(jobs, JobDTO{SearchID: searchID, Status: job.Status, Updated: job.Updated})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].SearchID < jobs[j].SearchID })

	return ProcessDTO{
		ID:       p.ID,
		State:    string(p.State),
		Endpoint: p.Endpoint,
		BPN:      p.BPN,
		Created:  p.Created,
		Modified: p.Modified,
		Jobs:     jobs,
		Journal:  steps,
	}
}
