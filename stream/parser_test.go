package stream

import (
	"errors"
	"strings"
	"testing"
)

// feedAll feeds the whole input in one chunk and returns the frames.
func feedAll(t *testing.T, input string) []Frame {
	t.Helper()
	p := NewParser()
	frames, err := p.Feed([]byte(input))
	if err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	return frames
}

func TestFeedSingleFrame(t *testing.T) {
	frames := feedAll(t, `{"type":"system","subtype":"init","session_id":"abc"}`+"\n")

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Stop {
		t.Error("expected data frame, got stop")
	}
	if !strings.Contains(frames[0].Raw, `"session_id":"abc"`) {
		t.Errorf("unexpected frame content: %s", frames[0].Raw)
	}
}

func TestFeedFragmentedAcrossChunks(t *testing.T) {
	p := NewParser()

	frames, err := p.Feed([]byte(`{"type":"assistant","message":{"content":[{"type":"te`))
	if err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frames from partial chunk, got %d", len(frames))
	}

	frames, err = p.Feed([]byte(`xt","text":"hello"}]}}` + "\n"))
	if err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame after completion, got %d", len(frames))
	}
	if !strings.Contains(frames[0].Raw, `"text":"hello"`) {
		t.Errorf("unexpected frame content: %s", frames[0].Raw)
	}
}

func TestFeedTerminatorInsideString(t *testing.T) {
	input := `{"type":"assistant","message":{"content":[{"type":"text","text":"this costs $5 total"}]}}` + "\n$\n"
	frames := feedAll(t, input)

	if len(frames) != 2 {
		t.Fatalf("expected 2 frames (data + stop), got %d: %+v", len(frames), frames)
	}
	if !strings.Contains(frames[0].Raw, "costs $5 total") {
		t.Errorf("dollar sign inside string was mangled: %s", frames[0].Raw)
	}
	if !frames[1].Stop {
		t.Error("expected trailing stop frame")
	}
}

func TestFeedNewlineInsideStringValue(t *testing.T) {
	// A raw newline is invalid JSON inside a string, but the CLI has emitted
	// multi-line tool output before. The parser must not split mid-string.
	input := "{\"type\":\"tool_result\",\"content\":\"line one\nline two\"}\n"
	frames := feedAll(t, input)

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if !strings.Contains(frames[0].Raw, "line one\nline two") {
		t.Errorf("newline inside string split the frame: %q", frames[0].Raw)
	}
}

func TestFeedWindowsPathEscaping(t *testing.T) {
	input := `{"type":"tool_use","name":"Read","input":{"file_path":"C:\\Users\\dev\\project\\main.go"}}` + "\n"
	frames := feedAll(t, input)

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if !strings.Contains(frames[0].Raw, `C:\\Users\\dev`) {
		t.Errorf("escaped backslashes were mangled: %s", frames[0].Raw)
	}
}

func TestFeedEscapedQuotes(t *testing.T) {
	input := `{"type":"assistant","message":{"content":[{"type":"text","text":"she said \"hi $there\""}]}}` + "\n"
	frames := feedAll(t, input)

	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d: %+v", len(frames), frames)
	}
	if !strings.Contains(frames[0].Raw, `\"hi $there\"`) {
		t.Errorf("escaped quote handling broke the frame: %s", frames[0].Raw)
	}
}

func TestFeedEverySplitPointYieldsSameFrames(t *testing.T) {
	input := `{"type":"system","subtype":"init","session_id":"s1","note":"worth $10"}` + "\n" +
		`{"type":"result","total_cost_usd":0.03}` + "\n$\n"

	want := feedAll(t, input)
	if len(want) != 3 {
		t.Fatalf("baseline expected 3 frames, got %d", len(want))
	}

	for split := 1; split < len(input); split++ {
		p := NewParser()
		var got []Frame
		for _, chunk := range []string{input[:split], input[split:]} {
			frames, err := p.Feed([]byte(chunk))
			if err != nil {
				t.Fatalf("split %d: Feed error: %v", split, err)
			}
			got = append(got, frames...)
		}
		if len(got) != len(want) {
			t.Fatalf("split %d: got %d frames, want %d", split, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("split %d frame %d: got %+v, want %+v", split, i, got[i], want[i])
			}
		}
	}
}

func TestFeedMultipleFramesInOneChunk(t *testing.T) {
	input := `{"type":"assistant"}` + "\n" + `{"type":"user"}` + "\n" + `{"type":"result"}` + "\n"
	frames := feedAll(t, input)

	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
}

func TestFeedBlankLinesSkipped(t *testing.T) {
	frames := feedAll(t, "\n\n  \n"+`{"type":"result"}`+"\n\n")
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
}

func TestFeedStandaloneStop(t *testing.T) {
	frames := feedAll(t, "$\n")
	if len(frames) != 1 || !frames[0].Stop {
		t.Fatalf("expected single stop frame, got %+v", frames)
	}
}

func TestFeedNonJSONLine(t *testing.T) {
	frames := feedAll(t, "warning: something odd\n"+`{"type":"result"}`+"\n")
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].Raw != "warning: something odd" {
		t.Errorf("unexpected first frame: %q", frames[0].Raw)
	}
}

func TestFeedOversizedFrameRecovers(t *testing.T) {
	p := NewParser()

	// The oversized frame and a valid one share a chunk. Only the
	// oversized frame may be lost.
	huge := `{"type":"assistant","text":"` + strings.Repeat("x", MaxBufferSize+10) + `"}`
	frames, err := p.Feed([]byte(huge + "\n" + `{"type":"result"}` + "\n"))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if len(frames) != 1 || frames[0].Raw != `{"type":"result"}` {
		t.Fatalf("frame after oversized frame in same chunk was lost, frames: %+v", frames)
	}

	// The parser must stay usable on later chunks too.
	frames, err = p.Feed([]byte(`{"type":"system"}` + "\n"))
	if err != nil {
		t.Fatalf("Feed after overflow returned error: %v", err)
	}
	if len(frames) != 1 || frames[0].Raw != `{"type":"system"}` {
		t.Errorf("parser did not recover after overflow, frames: %+v", frames)
	}
}

func TestFeedOversizedFrameTerminatorInString(t *testing.T) {
	p := NewParser()

	// The discarded frame carries a terminator inside a string value after
	// the overflow point. It must not end the discard early.
	huge := `{"type":"assistant","text":"` + strings.Repeat("x", MaxBufferSize+10) + `$tail"}`
	if _, err := p.Feed([]byte(huge)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	frames, err := p.Feed([]byte("\n" + `{"type":"result"}` + "\n"))
	if err != nil {
		t.Fatalf("Feed after overflow returned error: %v", err)
	}
	if len(frames) != 1 || frames[0].Raw != `{"type":"result"}` {
		t.Errorf("discard mode ended inside a string, frames: %+v", frames)
	}
}

func TestPendingReportsBufferedBytes(t *testing.T) {
	p := NewParser()
	if _, err := p.Feed([]byte(`{"type":"assist`)); err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if p.Pending() == 0 {
		t.Error("expected pending bytes for incomplete frame")
	}
}
