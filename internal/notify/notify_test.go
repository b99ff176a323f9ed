package notify

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestIndicatorNests(t *testing.T) {
	var i Indicator
	assert.False(t, i.Active())
	i.On()
	i.On()
	i.Off()
	assert.True(t, i.Active())
	i.Off()
	assert.False(t, i.Active())
	i.Off()
	assert.False(t, i.Active())
}

func TestLoggedForwards(t *testing.T) {
	var buf bytes.Buffer
	rec := &Recorder{}
	n := Logged{Next: rec, Log: zerolog.New(&buf)}

	n.Notify(Message{Level: Success, Text: "done", Duration: Long})

	assert.Equal(t, []Message{{Level: Success, Text: "done", Duration: Long}}, rec.Messages())
	assert.Contains(t, buf.String(), `"message":"done"`)
	assert.Len(t, rec.Drain(), 1)
	assert.Empty(t, rec.Messages())
}
