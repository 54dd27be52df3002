package channel

import (
	"testing"
	"time"

	"github.com/orrn/jobfleet/internal/core"
)

func TestCodecsCarryAssignment(t *testing.T) {
	scheduled := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	msg := &core.ControlMessage{
		Type:  core.ControlAssignJob,
		JobID: 42,
		Job: &core.Job{
			ID:            42,
			Name:          "nightly",
			Type:          "Report",
			Payload:       `{"range":"7d"}`,
			Priority:      core.PriorityHigh,
			Status:        core.JobStatusInProgress,
			ScheduledTime: &scheduled,
			MaxRetries:    3,
			RetryCount:    1,
		},
	}

	for _, codec := range []Codec{GetCodec("json"), GetCodec("msgpack")} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Encode(msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Type != msg.Type || got.JobID != 42 || got.Job == nil {
				t.Fatalf("decoded %+v", got)
			}
			if got.Job.Name != "nightly" || got.Job.Priority != core.PriorityHigh || got.Job.RetryCount != 1 {
				t.Errorf("job = %+v", got.Job)
			}
			if got.Job.ScheduledTime == nil || !got.Job.ScheduledTime.Equal(scheduled) {
				t.Errorf("scheduled time = %v", got.Job.ScheduledTime)
			}
		})
	}
}

func TestGetCodecDefaultsToJSON(t *testing.T) {
	if GetCodec("").Name() != CodecNameJSON || GetCodec("bogus").Name() != CodecNameJSON {
		t.Error("unknown codec names should fall back to json")
	}
}

func TestDecodeGarbage(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		if _, err := codec.Decode([]byte{0xc1, 0x00}); err == nil {
			t.Errorf("%s: expected error", codec.Name())
		}
	}
}
