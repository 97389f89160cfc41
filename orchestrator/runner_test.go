package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	descriptors []string
	err         error
}

func (s staticSource) Descriptors(context.Context) ([]string, error) {
	return s.descriptors, s.err
}

type recordingPublisher struct {
	calls     int
	survivors []string
	king      string
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, survivors []string, king string) error {
	p.calls++
	p.survivors = survivors
	p.king = king
	return p.err
}

func TestRunnerPublishes(t *testing.T) {
	f := newFixture(t, nil)
	pub := &recordingPublisher{}
	r := &Runner{
		Source:       staticSource{descriptors: []string{medium, fast, down}},
		Orchestrator: f.orchestrator(),
		Publisher:    pub,
	}

	res, err := r.RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.calls)
	assert.Equal(t, []string{fast, medium}, pub.survivors)
	assert.Equal(t, fast, pub.king)
	assert.Equal(t, res.Survivors, pub.survivors)
}

func TestRunnerSkipsPublishWithoutDescriptors(t *testing.T) {
	tests := []struct {
		name    string
		source  staticSource
		wantErr error
	}{
		{"source error", staticSource{err: errors.New("all sources failed")}, nil},
		{"empty", staticSource{}, ErrNoDescriptors},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			pub := &recordingPublisher{}
			r := &Runner{Source: tt.source, Orchestrator: f.orchestrator(), Publisher: pub}

			_, err := r.RunOnce(f.ctx)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Zero(t, pub.calls)
		})
	}
}

func TestRunnerPublishError(t *testing.T) {
	f := newFixture(t, nil)
	pub := &recordingPublisher{err: errors.New("disk full")}
	r := &Runner{
		Source:       staticSource{descriptors: []string{fast}},
		Orchestrator: f.orchestrator(),
		Publisher:    pub,
	}

	res, err := r.RunOnce(f.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, res)
	assert.Equal(t, []string{fast}, res.Survivors)
}
