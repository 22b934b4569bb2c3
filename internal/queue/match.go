package queue

import (
	"fmt"

	"sphub/internal/filelist"
	"sphub/internal/notify"
)

// AutoSearchID is the search ID of responses to automatic source searches.
const AutoSearchID = -1

// MatchFilelist adds nick as a source for every queued target whose TTH
// and size appear in the listing. It returns the number of targets matched.
func (q *Queue) MatchFilelist(nick string, root *filelist.Node) (int, error) {
	n := 0
	var err error
	filelist.Walk(root, func(path string, f *filelist.Node) {
		if err != nil || f.TTH == "" {
			return
		}
		t, ok := q.byTTH[f.TTH]
		if !ok || t.Size != f.Size {
			return
		}
		q.logger.Debug("filelist matches queued target", "target", t.Filename, "nick", nick)
		if err = q.addSource(nick, t.Filename, path); err == nil {
			n++
		}
	})
	if err != nil {
		return n, fmt.Errorf("matching filelist of %s: %w", nick, err)
	}
	return n, nil
}

// MatchFilelistFile loads the listing at path and matches it. Only XML
// listings carry hashes; others match nothing.
func (q *Queue) MatchFilelistFile(nick, path string) (int, error) {
	if filelist.KindOf(path) != filelist.KindXML {
		return 0, nil
	}
	root, err := q.loadFilelist(path)
	if err != nil {
		return 0, fmt.Errorf("matching filelist of %s: %w", nick, err)
	}
	return q.MatchFilelist(nick, root)
}

// MatchSearchResponse adds the responding nick as a source if the response
// carries the TTH and size of a queued target, and reports whether it did.
//
// A hit from an automatic search suggests the nick has more of what we
// want: its filelist is matched if already downloaded, or else queued
// auto-matched when autoDownloadFilelists is set.
func (q *Queue) MatchSearchResponse(resp notify.SearchResponse, autoDownloadFilelists bool) (bool, error) {
	if resp.TTH == "" || resp.Nick == "" {
		return false, nil
	}
	t, ok := q.byTTH[resp.TTH]
	if !ok || t.Size != resp.Size {
		return false, nil
	}
	target := t.Filename
	q.logger.Debug("search response matches queued target", "target", target, "nick", resp.Nick)

	if resp.ID == AutoSearchID {
		if path := filelist.Find(q.workdir, resp.Nick); path != "" {
			q.logger.Info("auto-matching against filelist", "nick", resp.Nick)
			if _, err := q.MatchFilelistFile(resp.Nick, path); err != nil {
				q.logger.Warn("auto-matching filelist failed", "nick", resp.Nick, "error", err)
			}
		} else if autoDownloadFilelists {
			q.logger.Info("queueing filelist for auto-matching", "nick", resp.Nick)
			if err := q.AddFilelist(resp.Nick, true); err != nil {
				return false, err
			}
		}
	}

	if err := q.addSource(resp.Nick, target, resp.Filename); err != nil {
		return false, err
	}
	return true, nil
}
