package worker

import (
	"context"
	"errors"
	"testing"

	"ingest_server/core/service/classification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocumentClassifier struct {
	llm   bool
	err   error
	calls []string
	opts  []classification.ClassifyOptions
}

func (f *fakeDocumentClassifier) ClassifyDocument(_ context.Context, id string, opts classification.ClassifyOptions) (*classification.DocumentClassificationResult, error) {
	f.calls = append(f.calls, id)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &classification.DocumentClassificationResult{SourceID: id, AllURLs: []string{"https://a.example"}}, nil
}

func (f *fakeDocumentClassifier) LLMEnabled() bool { return f.llm }

func TestClassifyJobHandler(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		llm        bool
		defaultLLM bool
		err        error
		wantErr    bool
		wantCalls  []string
		wantUseLLM bool
	}{
		{
			name:       "uses default llm setting",
			payload:    `{"source_id":"vid-1"}`,
			llm:        true,
			defaultLLM: true,
			wantCalls:  []string{"vid-1"},
			wantUseLLM: true,
		},
		{
			name:       "job overrides default",
			payload:    `{"source_id":"vid-2","use_llm":false}`,
			llm:        true,
			defaultLLM: true,
			wantCalls:  []string{"vid-2"},
			wantUseLLM: false,
		},
		{
			name:       "llm not configured",
			payload:    `{"source_id":"vid-3","use_llm":true}`,
			llm:        false,
			wantCalls:  []string{"vid-3"},
			wantUseLLM: false,
		},
		{
			name:    "malformed payload is dropped",
			payload: `{"source_id":`,
		},
		{
			name:    "missing source id is dropped",
			payload: `{"use_llm":true}`,
		},
		{
			name:      "classification error is retried",
			payload:   `{"source_id":"vid-4"}`,
			err:       errors.New("database is locked"),
			wantErr:   true,
			wantCalls: []string{"vid-4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeDocumentClassifier{llm: tt.llm, err: tt.err}
			h := NewClassifyJobHandler(fake, tt.defaultLLM).WithLogger(quietLogger())

			err := h.Handle(context.Background(), "ingest:classify", []byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.wantCalls, fake.calls)
			if len(tt.wantCalls) > 0 && !tt.wantErr {
				assert.Equal(t, tt.wantUseLLM, fake.opts[0].UseLLM)
			}
		})
	}
}
