package queue

import (
	"testing"

	"sphub/internal/notify"
	"sphub/internal/testutil"
)

func TestMatchFilelist(t *testing.T) {
	q, rec := newQueue(t, t.TempDir())
	mustAdd(t, q, "bar", "a", 4096, "a.mp3", tth0)
	mustAdd(t, q, "bar", "b", 9999, "b.mp3", tth1)

	root := testutil.Dir("",
		testutil.Dir("music",
			testutil.File("same.mp3", 4096, tth0),
			testutil.File("wrongsize.mp3", 8192, tth1),
			testutil.File("nohash.mp3", 4096, ""),
		),
	)
	rec.Reset()
	n, err := q.MatchFilelist("baz", root)
	if err != nil {
		t.Fatalf("MatchFilelist() error = %v", err)
	}
	if n != 1 {
		t.Errorf("MatchFilelist() = %d, want 1", n)
	}
	s := q.Source("a.mp3", "baz")
	if s == nil || s.SourceFilename != `music\same.mp3` {
		t.Errorf("Source() = %+v", s)
	}
	if got := rec.Count(notify.KindSourceAdded); got != 1 {
		t.Errorf("source-added events = %d, want 1", got)
	}
}

func TestMatchSearchResponse(t *testing.T) {
	tests := []struct {
		name         string
		resp         notify.SearchResponse
		autoDownload bool
		haveListing  bool
		wantMatch    bool
		wantFilelist bool
		wantSources  int
	}{
		{
			name:        "match",
			resp:        notify.SearchResponse{Nick: "baz", Filename: `x\a.mp3`, Size: 4096, TTH: tth0, ID: 7},
			wantMatch:   true,
			wantSources: 2,
		},
		{
			name:        "size differs",
			resp:        notify.SearchResponse{Nick: "baz", Filename: `x\a.mp3`, Size: 1, TTH: tth0},
			wantSources: 1,
		},
		{
			name:        "no tth",
			resp:        notify.SearchResponse{Nick: "baz", Filename: `x\a.mp3`, Size: 4096},
			wantSources: 1,
		},
		{
			name:         "auto search queues filelist",
			resp:         notify.SearchResponse{Nick: "baz", Filename: `x\a.mp3`, Size: 4096, TTH: tth0, ID: AutoSearchID},
			autoDownload: true,
			wantMatch:    true,
			wantFilelist: true,
			wantSources:  2,
		},
		{
			name:        "auto search without auto download",
			resp:        notify.SearchResponse{Nick: "baz", Filename: `x\a.mp3`, Size: 4096, TTH: tth0, ID: AutoSearchID},
			wantMatch:   true,
			wantSources: 2,
		},
		{
			name:         "auto search matches existing listing",
			resp:         notify.SearchResponse{Nick: "baz", Filename: `x\a.mp3`, Size: 4096, TTH: tth0, ID: AutoSearchID},
			autoDownload: true,
			haveListing:  true,
			wantMatch:    true,
			wantSources:  4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			q, _ := newQueue(t, dir)
			mustAdd(t, q, "bar", "a", 4096, "a.mp3", tth0)
			mustAdd(t, q, "bar", "b", 8192, "b.mp3", tth1)
			if tt.haveListing {
				testutil.WriteFilelist(t, dir, "baz", testutil.Dir("",
					testutil.File("b.mp3", 8192, tth1),
				))
			}

			got, err := q.MatchSearchResponse(tt.resp, tt.autoDownload)
			if err != nil {
				t.Fatalf("MatchSearchResponse() error = %v", err)
			}
			if got != tt.wantMatch {
				t.Errorf("MatchSearchResponse() = %v, want %v", got, tt.wantMatch)
			}
			if has := q.Filelist("baz") != nil; has != tt.wantFilelist {
				t.Errorf("filelist queued = %v, want %v", has, tt.wantFilelist)
			}
			if n := len(q.Sources()); n != tt.wantSources {
				t.Errorf("len(Sources()) = %d, want %d", n, tt.wantSources)
			}
		})
	}
}

func TestMatchFilelistFile_SkipsDcLst(t *testing.T) {
	q, _ := newQueue(t, t.TempDir())
	n, err := q.MatchFilelistFile("baz", "/nonexistent/MyList.baz")
	if err != nil || n != 0 {
		t.Errorf("MatchFilelistFile() = %d, %v, want 0, nil", n, err)
	}
}
