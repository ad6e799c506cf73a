package classifier_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/datafetch/internal/classifier"
	"github.com/jonesrussell/north-cloud/datafetch/internal/table"
)

type stubClassifier struct {
	res classifier.Result
	err error
	got []classifier.Request
}

func (s *stubClassifier) Classify(_ context.Context, req classifier.Request) (classifier.Result, error) {
	s.got = append(s.got, req)
	return s.res, s.err
}

func TestRemap(t *testing.T) {
	t.Parallel()

	tbl := table.New([]string{"d", "px", "qty", "close"})
	for range 8 {
		tbl.AppendRow([]any{"2024-01-01", 1.0, 2.0, 3.0})
	}
	c := &stubClassifier{res: classifier.Result{FieldMap: map[string]string{
		"d":       "date",
		"px":      "close",
		"qty":     "volume",
		"missing": "value",
	}}}

	applied, err := classifier.Remap(context.Background(), c, tbl, "https://example.com/q")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"d": "date", "qty": "volume"}, applied)
	assert.Equal(t, []string{"date", "px", "volume", "close"}, tbl.Columns)

	require.Len(t, c.got, 1)
	assert.Equal(t, classifier.PayloadTable, c.got[0].Kind)
	assert.Equal(t, "https://example.com/q", c.got[0].Context)
	var sample table.Table
	require.NoError(t, json.Unmarshal(c.got[0].Payload, &sample))
	assert.Len(t, sample.Rows, 5)
}

func TestRemap_NoClassifierOrFailure(t *testing.T) {
	t.Parallel()

	tbl := table.New([]string{"px"})
	tbl.AppendRow([]any{1.0})

	applied, err := classifier.Remap(context.Background(), nil, tbl, "")
	require.NoError(t, err)
	assert.Nil(t, applied)

	_, err = classifier.Remap(context.Background(), &stubClassifier{err: errors.New("down")}, tbl, "")
	require.Error(t, err)
	assert.Equal(t, []string{"px"}, tbl.Columns)

	c := &stubClassifier{}
	applied, err = classifier.Remap(context.Background(), c, table.New([]string{"px"}), "")
	require.NoError(t, err)
	assert.Nil(t, applied)
	assert.Empty(t, c.got)
}
