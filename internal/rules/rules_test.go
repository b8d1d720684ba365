package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type panicking struct{}

func (panicking) Apply(ctx context.Context, study StudyIdentity, opts Options) error {
	panic("bad rule")
}

func TestInvokeSwallowsFailures(t *testing.T) {
	rec := &Recorder{Err: errors.New("rule failed")}
	id := StudyIdentity{PartitionKey: "ARCHIVE", StudyInstanceUID: "1.2.3"}

	Invoke(context.Background(), rec, id, Options{})
	Invoke(context.Background(), panicking{}, id, Options{})
	Invoke(context.Background(), nil, id, Options{})
	Invoke(context.Background(), NewLoggingEngine(), id, Options{ApplyRouteActions: true})

	assert.Equal(t, []StudyIdentity{id}, rec.Calls())
}
