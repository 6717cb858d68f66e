package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"livebot/internal/observability/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "canonical", in: "https://www.youtube.com/@somechannel/", want: "https://www.youtube.com/@somechannel"},
		{name: "bare host", in: "https://youtube.com/c/foo", want: "https://youtube.com/c/foo"},
		{name: "query stripped", in: "https://www.youtube.com/@foo/streams?view=2", want: "https://www.youtube.com/@foo/streams"},
		{name: "whitespace", in: "  https://www.youtube.com/@foo  ", want: "https://www.youtube.com/@foo"},
		{name: "wrong host", in: "https://vimeo.com/user", wantErr: true},
		{name: "lookalike host", in: "https://notyoutube.com/x", wantErr: true},
		{name: "no scheme", in: "www.youtube.com/@foo", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeURL(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NormalizeURL(%q) expected error, got %q", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeURL(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestValidateURLsDropsInvalidAndDuplicates(t *testing.T) {
	in := []string{
		"https://www.youtube.com/@foo",
		"https://www.youtube.com/@foo/",
		"https://example.com/bad",
		"https://www.youtube.com/@bar",
	}
	got := ValidateURLs(in, discardLogger())
	want := []string{"https://www.youtube.com/@foo", "https://www.youtube.com/@bar"}
	if len(got) != len(want) {
		t.Fatalf("ValidateURLs returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ValidateURLs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestProbeParsesListing(t *testing.T) {
	payload := `{"entries":[{"id":"abc","live_status":"is_live"},{"id":"def"},null,{"live_status":"not_live"}]}`
	p := NewCommandProber("yt-dlp", time.Second, discardLogger(), metrics.New())
	p.Run = func(ctx context.Context, bin string, args ...string) ([]byte, error) {
		if args[len(args)-1] != "https://www.youtube.com/@foo" {
			t.Fatalf("unexpected probe target %q", args[len(args)-1])
		}
		return []byte(payload), nil
	}

	entries, err := p.Probe(context.Background(), "https://www.youtube.com/@foo")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(entries), entries)
	}
	if entries[0].ID != "abc" || entries[0].LiveStatus != "is_live" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
}

func TestProbeNullEntriesYieldsEmptySet(t *testing.T) {
	p := NewCommandProber("yt-dlp", time.Second, discardLogger(), metrics.New())
	p.Run = func(ctx context.Context, bin string, args ...string) ([]byte, error) {
		return []byte(`{"entries":null}`), nil
	}
	entries, err := p.Probe(context.Background(), "https://www.youtube.com/@foo")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty set, got %v", entries)
	}
}

func TestProbeExecFailureReturnsError(t *testing.T) {
	p := NewCommandProber("yt-dlp", time.Second, discardLogger(), metrics.New())
	p.Run = func(ctx context.Context, bin string, args ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}
	if _, err := p.Probe(context.Background(), "https://www.youtube.com/@foo"); err == nil {
		t.Fatal("expected error from failing probe")
	}
}

func TestProbeParseFailureReturnsError(t *testing.T) {
	p := NewCommandProber("yt-dlp", time.Second, discardLogger(), metrics.New())
	p.Run = func(ctx context.Context, bin string, args ...string) ([]byte, error) {
		return []byte("not json"), nil
	}
	if _, err := p.Probe(context.Background(), "https://www.youtube.com/@foo"); err == nil {
		t.Fatal("expected parse error")
	}
}
