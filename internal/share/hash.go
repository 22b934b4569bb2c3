package share

import (
	"fmt"
	"path/filepath"

	"sphub/internal/notify"
)

// HandleTTHAvailable records a freshly computed hash for a shared file and
// moves it from the unhashed set into the share, or marks it a duplicate
// when another shared file already serves the same content.
func (s *Share) HandleTTHAvailable(ev notify.TTHAvailable) error {
	path := filepath.Clean(ev.Path)
	f, ok := s.unhashed[path]
	if !ok {
		s.logger.Debug("hash for file not waiting for one", "path", path)
		return nil
	}
	st, err := s.fsys.Stat(path)
	if err != nil {
		return fmt.Errorf("hashed file %s: %w", path, err)
	}
	if st.Inode != f.Inode || st.Mtime.Unix() != f.Mtime.Unix() {
		// Changed while hashing; the next scan picks it up again.
		s.logger.Info("file changed while hashing", "path", path)
		return nil
	}

	existing := s.tths.Lookup(ev.TTH)
	if existing == nil {
		if err := s.tths.AddEntry(ev.TTH, ev.Leafdata); err != nil {
			return err
		}
	}
	if err := s.tths.AddInode(f.Inode, f.Mtime.Unix(), ev.TTH); err != nil {
		return err
	}
	delete(s.unhashed, path)
	f.TTH = ev.TTH

	class := Hashed
	if existing != nil && existing.ActiveInode != 0 && existing.ActiveInode != f.Inode {
		if _, shared := s.byInode[existing.ActiveInode]; shared {
			class = Duplicate
		}
	}
	if class == Hashed {
		s.tths.SetActiveInode(ev.TTH, f.Inode)
		s.stale = true
	}
	s.insert(f, class)
	s.logger.Debug("file hashed", "path", path, "tth", ev.TTH, "class", class)
	return nil
}
