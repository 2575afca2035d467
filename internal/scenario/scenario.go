// Package scenario models scheduler workloads as YAML documents, which may be
// replayed deterministically, producing an execution trace.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Kinds of [Job].
const (
	KindJob  = `job`
	KindPost = `post`
)

// ErrInvalid is wrapped by validation errors.
var ErrInvalid = errors.New(`scenario: invalid`)

type (
	// Scenario is a single YAML document.
	Scenario struct {
		Name string `yaml:"name"`
		// Diagnostics aborts flushes on the first job error.
		Diagnostics bool `yaml:"diagnostics"`
		// DeferPostFlush drains post-flush callbacks on a separate tick.
		DeferPostFlush bool `yaml:"deferPostFlush"`
		// RecursionLimit overrides the default, if non-zero.
		RecursionLimit int    `yaml:"recursionLimit"`
		Jobs           []*Job `yaml:"jobs"`
		// Initial lists the jobs enqueued before the first tick.
		Initial []string `yaml:"initial"`
	}

	// Job describes either a job or a post-flush callback.
	Job struct {
		Name         string `yaml:"name"`
		Kind         string `yaml:"kind"`
		Owner        string `yaml:"owner"`
		ID           *int64 `yaml:"id"`
		Pre          bool   `yaml:"pre"`
		AllowRecurse bool   `yaml:"allowRecurse"`
		// Repeat is the number of runs that perform the actions below. It
		// defaults to 1, and a negative value means every run.
		Repeat int `yaml:"repeat"`
		// Queues lists the jobs to enqueue.
		Queues []string `yaml:"queues"`
		// Invalidates lists queued jobs to remove.
		Invalidates []string `yaml:"invalidates"`
		// Disposes lists jobs to dispose.
		Disposes []string `yaml:"disposes"`
		// Fail is an error message, returned by every run, if set.
		Fail string `yaml:"fail"`
	}
)

// Load decodes every YAML document from r.
func Load(r io.Reader) ([]*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var scenarios []*Scenario
	for {
		var sc Scenario
		if err := dec.Decode(&sc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf(`scenario: decode document %d: %w`, len(scenarios)+1, err)
		}
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		scenarios = append(scenarios, &sc)
	}
	return scenarios, nil
}

// LoadFile calls [Load] on the named file.
func LoadFile(name string) ([]*Scenario, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scenarios, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf(`%s: %w`, name, err)
	}
	return scenarios, nil
}

// Validate checks the scenario for references to unknown jobs, and invalid
// values. Empty kinds default to [KindJob].
func (x *Scenario) Validate() error {
	if x.RecursionLimit < 0 {
		return fmt.Errorf(`%w: %q: negative recursion limit`, ErrInvalid, x.Name)
	}
	names := make(map[string]struct{}, len(x.Jobs))
	for i, job := range x.Jobs {
		if job == nil || job.Name == `` {
			return fmt.Errorf(`%w: %q: job %d has no name`, ErrInvalid, x.Name, i)
		}
		if _, ok := names[job.Name]; ok {
			return fmt.Errorf(`%w: %q: duplicate job %q`, ErrInvalid, x.Name, job.Name)
		}
		names[job.Name] = struct{}{}
		switch job.Kind {
		case ``:
			job.Kind = KindJob
		case KindJob, KindPost:
		default:
			return fmt.Errorf(`%w: %q: job %q has unknown kind %q`, ErrInvalid, x.Name, job.Name, job.Kind)
		}
	}
	check := func(context string, refs []string) error {
		for _, ref := range refs {
			if _, ok := names[ref]; !ok {
				return fmt.Errorf(`%w: %q: %s references unknown job %q`, ErrInvalid, x.Name, context, ref)
			}
		}
		return nil
	}
	if err := check(`initial`, x.Initial); err != nil {
		return err
	}
	for _, job := range x.Jobs {
		for _, refs := range [...][]string{job.Queues, job.Invalidates, job.Disposes} {
			if err := check(`job `+job.Name, refs); err != nil {
				return err
			}
		}
	}
	return nil
}

// performs reports whether the nth run (1-indexed) performs the actions.
func (x *Job) performs(n int) bool {
	switch {
	case x.Repeat < 0:
		return true
	case x.Repeat == 0:
		return n == 1
	default:
		return n <= x.Repeat
	}
}
