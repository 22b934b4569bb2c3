package ui

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"sphub/internal/engine"
	"sphub/internal/history"
	"sphub/internal/notify"
	"sphub/internal/queue"
	"sphub/internal/share"
	"sphub/internal/slots"
)

const defaultHistoryLimit = 50

var errNoPeerTable = errors.New("peer addresses are not managed by this daemon")

// badRequest marks an error caused by the request itself.
type badRequest struct{ error }

func (e badRequest) Unwrap() error { return e.error }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStatus(w http.ResponseWriter, status string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, share.ErrNotShared):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrExists), errors.Is(err, queue.ErrSizeMismatch), errors.Is(err, share.ErrMountExists):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidPriority), errors.Is(err, slots.ErrNegativeGrant), errors.Is(err, share.ErrIncomplete):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, errNoPeerTable):
		return http.StatusNotImplemented
	}
	var br badRequest
	if errors.As(err, &br) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// run executes fn on the engine loop and writes the error fn or the loop
// returned, if any. It reports whether the handler should go on.
func run(w http.ResponseWriter, r *http.Request, eng Engine, fn func(*engine.Engine) error) bool {
	var ferr error
	if err := eng.Do(r.Context(), func(e *engine.Engine) { ferr = fn(e) }); err != nil {
		writeError(w, statusOf(err), err.Error())
		return false
	}
	if ferr != nil {
		writeError(w, statusOf(ferr), ferr.Error())
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// QueueView is the whole download queue.
type QueueView struct {
	Targets     []queue.Target    `json:"targets"`
	Sources     []queue.Source    `json:"sources"`
	Filelists   []queue.Filelist  `json:"filelists"`
	Directories []queue.Directory `json:"directories"`
}

func GetQueueHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v QueueView
		ok := run(w, r, eng, func(e *engine.Engine) error {
			q := e.Queue()
			v = QueueView{Targets: q.Targets(), Sources: q.Sources(), Filelists: q.Filelists(), Directories: q.Directories()}
			return nil
		})
		if ok {
			writeJSON(w, http.StatusOK, v)
		}
	}
}

// AddFileRequest queues a file from a nick.
type AddFileRequest struct {
	Nick   string `json:"nick"`
	Source string `json:"source"`
	Size   uint64 `json:"size"`
	Target string `json:"target"`
	TTH    string `json:"tth,omitempty"`
}

func AddFileHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddFileRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Nick == "" || req.Source == "" || req.Target == "" {
			writeError(w, http.StatusBadRequest, "nick, source and target are required")
			return
		}
		if run(w, r, eng, func(e *engine.Engine) error {
			return e.Queue().Add(req.Nick, req.Source, req.Size, req.Target, req.TTH)
		}) {
			writeStatus(w, "added")
		}
	}
}

// AddDirectoryRequest queues a directory download.
type AddDirectoryRequest struct {
	Nick      string `json:"nick"`
	Source    string `json:"source"`
	Directory string `json:"directory,omitempty"`
}

func AddDirectoryHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddDirectoryRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Nick == "" || req.Source == "" {
			writeError(w, http.StatusBadRequest, "nick and source are required")
			return
		}
		if run(w, r, eng, func(e *engine.Engine) error {
			return e.Queue().AddDirectory(req.Nick, req.Source, req.Directory)
		}) {
			writeStatus(w, "added")
		}
	}
}

func AddFilelistHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nick := chi.URLParam(r, "nick")
		if run(w, r, eng, func(e *engine.Engine) error {
			return e.Queue().AddFilelist(nick, false)
		}) {
			writeStatus(w, "added")
		}
	}
}

func RemoveFilelistHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nick := chi.URLParam(r, "nick")
		if run(w, r, eng, func(e *engine.Engine) error {
			return e.Queue().RemoveFilelist(nick)
		}) {
			writeStatus(w, "removed")
		}
	}
}

// RemoveTargetHandler removes ?name= from the queue and aborts its
// download, if running.
func RemoveTargetHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if run(w, r, eng, func(e *engine.Engine) error {
			e.Connections().CancelTransfer(name)
			return e.Queue().RemoveTarget(name)
		}) {
			writeStatus(w, "removed")
		}
	}
}

// RemoveDirectoryHandler removes the directory download ?name= and aborts
// its running downloads.
func RemoveDirectoryHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if run(w, r, eng, func(e *engine.Engine) error {
			e.Connections().CancelDirectoryTransfers(name)
			return e.Queue().RemoveDirectory(name)
		}) {
			writeStatus(w, "removed")
		}
	}
}

func RemoveNickHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nick := chi.URLParam(r, "nick")
		if run(w, r, eng, func(e *engine.Engine) error {
			return e.Queue().RemoveNick(nick)
		}) {
			writeStatus(w, "removed")
		}
	}
}

// PriorityRequest sets the priority of a target; 0 pauses it.
type PriorityRequest struct {
	Target   string `json:"target"`
	Priority int    `json:"priority"`
}

func SetPriorityHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PriorityRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Priority < 0 {
			writeError(w, http.StatusBadRequest, queue.ErrInvalidPriority.Error())
			return
		}
		if run(w, r, eng, func(e *engine.Engine) error {
			if req.Priority == 0 {
				e.Connections().CancelTransfer(req.Target)
			}
			return e.Queue().SetPriority(req.Target, req.Priority)
		}) {
			writeStatus(w, "updated")
		}
	}
}

// ShareView lists the shared directories.
type ShareView struct {
	Mountpoints []share.Mountpoint `json:"mountpoints"`
	Total       share.Stats        `json:"total"`
	Scanning    bool               `json:"scanning"`
}

func GetShareHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v ShareView
		ok := run(w, r, eng, func(e *engine.Engine) error {
			s := e.Share()
			v = ShareView{Mountpoints: s.Mountpoints(), Total: s.Stats(), Scanning: s.Scanning()}
			return nil
		})
		if ok {
			writeJSON(w, http.StatusOK, v)
		}
	}
}

// ShareRequest adds a shared directory.
type ShareRequest struct {
	Path        string `json:"path"`
	VirtualRoot string `json:"virtual_root"`
}

func AddShareHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ShareRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Path == "" || req.VirtualRoot == "" {
			writeError(w, http.StatusBadRequest, "path and virtual_root are required")
			return
		}
		if run(w, r, eng, func(e *engine.Engine) error {
			return e.Share().Add(req.Path, req.VirtualRoot)
		}) {
			writeStatus(w, "added")
		}
	}
}

func RemoveShareHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if run(w, r, eng, func(e *engine.Engine) error {
			return e.Share().Remove(path)
		}) {
			writeStatus(w, "removed")
		}
	}
}

func RescanHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if run(w, r, eng, func(e *engine.Engine) error {
			e.Share().Rescan()
			return nil
		}) {
			writeStatus(w, "scanning")
		}
	}
}

// HashRequest delivers a hash computed by an external hasher. Leafdata
// is base64 in JSON.
type HashRequest struct {
	Path     string `json:"path"`
	TTH      string `json:"tth"`
	Leafdata []byte `json:"leafdata,omitempty"`
}

func AddHashHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req HashRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Path == "" || req.TTH == "" {
			writeError(w, http.StatusBadRequest, "path and tth are required")
			return
		}
		if run(w, r, eng, func(e *engine.Engine) error {
			e.Notify().Publish(notify.TTHAvailable{Path: req.Path, TTH: req.TTH, Leafdata: req.Leafdata})
			return nil
		}) {
			writeStatus(w, "accepted")
		}
	}
}

// SearchResponseHandler feeds a search hit from the hub layer to the
// queue matcher.
func SearchResponseHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req notify.SearchResponse
		if !decode(w, r, &req) {
			return
		}
		if run(w, r, eng, func(e *engine.Engine) error {
			e.Notify().Publish(req)
			return nil
		}) {
			writeStatus(w, "accepted")
		}
	}
}

// SlotsView is the upload slot state.
type SlotsView struct {
	Total     int           `json:"total"`
	Global    bool          `json:"global"`
	Used      int           `json:"used"`
	Available int           `json:"available"`
	Extra     []slots.Grant `json:"extra"`
}

func GetSlotsHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hub := r.URL.Query().Get("hub")
		var v SlotsView
		ok := run(w, r, eng, func(e *engine.Engine) error {
			a := e.Slots()
			v = SlotsView{
				Total:     a.Total(),
				Global:    a.Global(),
				Used:      a.Used(hub),
				Available: a.Available(hub),
				Extra:     e.ExtraSlots().All(),
			}
			return nil
		})
		if ok {
			writeJSON(w, http.StatusOK, v)
		}
	}
}

// SlotsRequest changes the slot configuration; nil fields stay.
type SlotsRequest struct {
	Total  *int  `json:"total,omitempty"`
	Global *bool `json:"global,omitempty"`
}

func SetSlotsHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SlotsRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Total != nil && *req.Total < 0 {
			writeError(w, http.StatusBadRequest, "total must not be negative")
			return
		}
		if run(w, r, eng, func(e *engine.Engine) error {
			if req.Total != nil {
				e.Slots().SetTotal(*req.Total)
			}
			if req.Global != nil {
				e.Slots().SetGlobal(*req.Global)
			}
			return nil
		}) {
			writeStatus(w, "updated")
		}
	}
}

// GrantRequest changes a nick's extra slots by Delta.
type GrantRequest struct {
	Nick  string `json:"nick"`
	Delta int    `json:"delta"`
}

func GrantSlotsHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GrantRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Nick == "" {
			writeError(w, http.StatusBadRequest, "nick is required")
			return
		}
		if run(w, r, eng, func(e *engine.Engine) error {
			return e.ExtraSlots().Grant(req.Nick, req.Delta)
		}) {
			writeStatus(w, "granted")
		}
	}
}

// ConnectionView is one open peer connection.
type ConnectionView struct {
	ID        string                `json:"id"`
	Nick      string                `json:"nick"`
	Remote    string                `json:"remote"`
	Incoming  bool                  `json:"incoming"`
	State     string                `json:"state"`
	Direction string                `json:"direction"`
	Transfer  *notify.TransferStats `json:"transfer,omitempty"`
}

func GetTransfersHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v []ConnectionView
		ok := run(w, r, eng, func(e *engine.Engine) error {
			for _, c := range e.Connections().All() {
				cv := ConnectionView{
					ID:        c.ID(),
					Nick:      c.Nick(),
					Remote:    c.RemoteAddr(),
					Incoming:  c.Incoming(),
					State:     c.State().String(),
					Direction: c.Direction().String(),
				}
				if st, ok := c.Stats(); ok {
					cv.Transfer = &st
				}
				v = append(v, cv)
			}
			return nil
		})
		if ok {
			writeJSON(w, http.StatusOK, v)
		}
	}
}

// CancelTransferHandler aborts the transfer of ?name=; the download stays
// queued.
func CancelTransferHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		var found bool
		ok := run(w, r, eng, func(e *engine.Engine) error {
			found = e.Connections().CancelTransfer(name)
			return nil
		})
		if !ok {
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "transfer not found")
			return
		}
		writeStatus(w, "cancelled")
	}
}

func directConnector(e *engine.Engine) (*engine.DirectConnector, error) {
	dc, ok := e.Connector().(*engine.DirectConnector)
	if !ok {
		return nil, errNoPeerTable
	}
	return dc, nil
}

func GetPeersHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var peers []engine.Peer
		ok := run(w, r, eng, func(e *engine.Engine) error {
			dc, err := directConnector(e)
			if err != nil {
				return err
			}
			peers = dc.Peers()
			return nil
		})
		if ok {
			writeJSON(w, http.StatusOK, peers)
		}
	}
}

func SetPeerHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req engine.Peer
		if !decode(w, r, &req) {
			return
		}
		if req.Addr == "" {
			writeError(w, http.StatusBadRequest, "addr is required")
			return
		}
		ok := run(w, r, eng, func(e *engine.Engine) error {
			dc, err := directConnector(e)
			if err != nil {
				return err
			}
			if err := dc.SetPeer(req.Nick, req.Addr); err != nil {
				return badRequest{err}
			}
			// A new address deserves an attempt before the interval passes.
			e.ConnectTrigger().Forget(req.Nick)
			return nil
		})
		if ok {
			writeStatus(w, "updated")
		}
	}
}

func RemovePeerHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nick := chi.URLParam(r, "nick")
		if run(w, r, eng, func(e *engine.Engine) error {
			dc, err := directConnector(e)
			if err != nil {
				return err
			}
			return dc.SetPeer(nick, "")
		}) {
			writeStatus(w, "removed")
		}
	}
}

func limitParam(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return defaultHistoryLimit
}

func GetHistoryHandler(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		transfers, err := store.ListTransfers(r.URL.Query().Get("nick"), limitParam(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, transfers)
	}
}

func GetSessionsHandler(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := store.ListSessions(limitParam(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func GetTotalsHandler(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		totals, err := store.Totals()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, totals)
	}
}

// ExtIPView is the address detection state.
type ExtIPView struct {
	External string `json:"external,omitempty"`
	Stale    bool   `json:"stale"`
}

func GetExtIPHandler(eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v ExtIPView
		ok := run(w, r, eng, func(e *engine.Engine) error {
			v = ExtIPView{External: e.ExtIP().External(), Stale: e.ExtIP().Stale()}
			return nil
		})
		if ok {
			writeJSON(w, http.StatusOK, v)
		}
	}
}
