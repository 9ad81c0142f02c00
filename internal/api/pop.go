package api

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/info-beamer/package-bload-auditorium/internal/pop"
	"github.com/info-beamer/package-bload-auditorium/pkg/errors"
)

// PopAPI adapts the collector's pop endpoint to the proof-of-play port.
type PopAPI struct {
	proxy *Proxy
}

// NewPopAPI creates the proof-of-play collector adapter.
func NewPopAPI(c *Client) *PopAPI {
	return &PopAPI{proxy: c.API("pop")}
}

// Settings fetches the collector-side logging and submission cadence.
func (p *PopAPI) Settings(ctx context.Context) (pop.Settings, error) {
	raw, err := p.proxy.Get(ctx, nil)
	if err != nil {
		return pop.Settings{}, err
	}

	var decoded struct {
		MaxDelay   float64 `json:"max_delay"`
		MaxLines   int     `json:"max_lines"`
		Submission struct {
			MinDelay   float64 `json:"min_delay"`
			ErrorDelay float64 `json:"error_delay"`
		} `json:"submission"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return pop.Settings{}, errors.Wrap(err, errors.CodeAPI, "malformed pop settings")
	}
	return pop.Settings{
		MaxDelay:    secondsToDuration(decoded.MaxDelay),
		MaxLines:    decoded.MaxLines,
		SubmitDelay: secondsToDuration(decoded.Submission.MinDelay),
		ErrorDelay:  secondsToDuration(decoded.Submission.ErrorDelay),
	}, nil
}

// Submit uploads one segment's raw bytes plus the backlog size.
func (p *PopAPI) Submit(ctx context.Context, path string, queueSize int) (pop.SubmitResult, error) {
	data := url.Values{"queue_size": []string{strconv.Itoa(queueSize)}}
	files := map[string]string{"pop-v1": path}

	raw, err := p.proxy.Post(ctx, data, files)
	if err != nil {
		return pop.SubmitResult{}, errors.Wrap(err, errors.CodeSubmission, "cannot submit segment")
	}
	var result pop.SubmitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return pop.SubmitResult{}, errors.Wrap(err, errors.CodeSubmission, "malformed collector response")
	}
	return result, nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
