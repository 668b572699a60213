package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/utkarshayachit/simplified-batch/internal/session"
)

// datasetRef names one dataset. Clients send either a bare name, a list of
// names, or a list of {name, container} objects.
type datasetRef struct {
	Name      string `json:"name"`
	Container string `json:"container"`
}

type datasetRefs []datasetRef

func (d *datasetRefs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = nil
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*d = datasetRefs{{Name: name}}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("datasets must be a name or a list: %w", err)
	}
	out := make(datasetRefs, 0, len(raw))
	for _, item := range raw {
		var ref datasetRef
		if err := json.Unmarshal(item, &ref.Name); err != nil {
			if err := json.Unmarshal(item, &ref); err != nil {
				return fmt.Errorf("invalid dataset entry %s: %w", item, err)
			}
		}
		out = append(out, ref)
	}
	*d = out
	return nil
}

// jobOptions are the free-form submit options. A bare string is taken as the
// container name.
type jobOptions map[string]string

func (o *jobOptions) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = nil
		return nil
	}
	var container string
	if err := json.Unmarshal(data, &container); err == nil {
		*o = jobOptions{"container": container}
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("options must be an object: %w", err)
	}
	out := make(jobOptions, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
		case string:
			out[k] = v
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	*o = out
	return nil
}

type submitRequest struct {
	Datasets datasetRefs `json:"datasets"`
	Options  jobOptions  `json:"options"`
	Token    string      `json:"token"`
}

// sessionRequest resolves the body into a single-dataset session request.
func (s submitRequest) sessionRequest() (session.Request, error) {
	if len(s.Datasets) != 1 {
		return session.Request{}, fmt.Errorf("%w: exactly one dataset required, got %d", session.ErrInvalidRequest, len(s.Datasets))
	}
	ref := s.Datasets[0]
	container := strings.TrimSpace(ref.Container)
	if container == "" {
		container = strings.TrimSpace(s.Options["container"])
	}
	opts := make(map[string]string, len(s.Options))
	for k, v := range s.Options {
		if k != "container" && k != "token" {
			opts[k] = v
		}
	}
	token := strings.TrimSpace(s.Token)
	if token == "" {
		token = strings.TrimSpace(s.Options["token"])
	}
	return session.Request{
		Dataset:   strings.TrimSpace(ref.Name),
		Container: container,
		Token:     token,
		Options:   opts,
	}, nil
}

// jobRef identifies a submitted job in /compute_node and /terminate_job bodies.
type jobRef struct {
	JobID  string `json:"jobId"`
	TaskID string `json:"taskId"`
}

type jobRequest struct {
	Job *jobRef `json:"job"`
}

func (r jobRequest) ref() (jobRef, error) {
	if r.Job == nil || strings.TrimSpace(r.Job.JobID) == "" {
		return jobRef{}, fmt.Errorf("%w: job.jobId is required", session.ErrInvalidRequest)
	}
	return jobRef{JobID: strings.TrimSpace(r.Job.JobID), TaskID: strings.TrimSpace(r.Job.TaskID)}, nil
}
