package notify

// Kind names an event. The value doubles as the "type" field of the JSON
// messages pushed to UI clients.
type Kind string

const (
	KindTargetAdded        Kind = "target-added"
	KindTargetRemoved      Kind = "target-removed"
	KindSourceAdded        Kind = "source-added"
	KindSourceRemoved      Kind = "source-removed"
	KindFilelistAdded      Kind = "filelist-added"
	KindFilelistRemoved    Kind = "filelist-removed"
	KindDirectoryAdded     Kind = "directory-added"
	KindDirectoryRemoved   Kind = "directory-removed"
	KindPriorityChanged    Kind = "priority-changed"
	KindDownloadStarting   Kind = "download-starting"
	KindDownloadFinished   Kind = "download-finished"
	KindFilelistFinished   Kind = "filelist-finished"
	KindUploadStarting     Kind = "upload-starting"
	KindUploadFinished     Kind = "upload-finished"
	KindTransferAborted    Kind = "transfer-aborted"
	KindTransferStats      Kind = "transfer-stats"
	KindScanFinished       Kind = "scan-finished"
	KindExtraSlotGranted   Kind = "extra-slot-granted"
	KindExternalIPDetected Kind = "external-ip-detected"
	KindTTHAvailable       Kind = "tth-available"
	KindSearchResponse     Kind = "search-response"
	KindStatusMessage      Kind = "status-message"
)

// Event is implemented by every notification payload.
type Event interface {
	Kind() Kind
}

type TargetAdded struct {
	Filename        string `json:"filename"`
	Size            uint64 `json:"size"`
	TTH             string `json:"tth,omitempty"`
	TargetDirectory string `json:"targetDirectory,omitempty"`
	Priority        int    `json:"priority"`
}

type TargetRemoved struct {
	Filename string `json:"filename"`
}

type SourceAdded struct {
	Target         string `json:"target"`
	Nick           string `json:"nick"`
	SourceFilename string `json:"sourceFilename"`
}

type SourceRemoved struct {
	Target string `json:"target"`
	Nick   string `json:"nick"`
}

type FilelistAdded struct {
	Nick     string `json:"nick"`
	Priority int    `json:"priority"`
}

type FilelistRemoved struct {
	Nick string `json:"nick"`
}

type DirectoryAdded struct {
	TargetDirectory string `json:"targetDirectory"`
	Nick            string `json:"nick"`
}

type DirectoryRemoved struct {
	TargetDirectory string `json:"targetDirectory"`
}

type PriorityChanged struct {
	Target   string `json:"target"`
	Priority int    `json:"priority"`
}

type DownloadStarting struct {
	Hub      string `json:"hub,omitempty"`
	Nick     string `json:"nick"`
	Filename string `json:"filename"`
	Offset   uint64 `json:"offset"`
	Size     uint64 `json:"size"`
}

type DownloadFinished struct {
	Filename string `json:"filename"`
}

type FilelistFinished struct {
	Hub         string `json:"hub,omitempty"`
	Nick        string `json:"nick"`
	Filename    string `json:"filename"`
	AutoMatched bool   `json:"autoMatched"`
}

type UploadStarting struct {
	Hub      string `json:"hub,omitempty"`
	Nick     string `json:"nick"`
	Filename string `json:"filename"`
	Offset   uint64 `json:"offset"`
	Size     uint64 `json:"size"`
}

type UploadFinished struct {
	Nick     string `json:"nick"`
	Filename string `json:"filename"`
}

type TransferAborted struct {
	Nick      string `json:"nick"`
	Filename  string `json:"filename"`
	Direction string `json:"direction"`
}

type TransferStats struct {
	Direction string `json:"direction"`
	Nick      string `json:"nick"`
	Filename  string `json:"filename"`
	Offset    uint64 `json:"offset"`
	Size      uint64 `json:"size"`
	Bytes     uint64 `json:"bytes"`
}

type ScanFinished struct {
	Path string `json:"path"`
}

type ExtraSlotGranted struct {
	Nick  string `json:"nick"`
	Slots int    `json:"slots"`
}

type ExternalIPDetected struct {
	IP string `json:"ip"`
}

// TTHAvailable is published by the hashing collaborator when a file has
// been hashed.
type TTHAvailable struct {
	Path     string `json:"path"`
	TTH      string `json:"tth"`
	Leafdata []byte `json:"-"`
}

// SearchResponse is a search hit reported by the hub layer. ID is -1 for
// responses to automatic source searches.
type SearchResponse struct {
	Hub      string `json:"hub,omitempty"`
	Nick     string `json:"nick"`
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
	TTH      string `json:"tth,omitempty"`
	ID       int    `json:"id"`
}

type StatusMessage struct {
	Hub     string `json:"hub,omitempty"`
	Message string `json:"message"`
}

func (TargetAdded) Kind() Kind        { return KindTargetAdded }
func (TargetRemoved) Kind() Kind      { return KindTargetRemoved }
func (SourceAdded) Kind() Kind        { return KindSourceAdded }
func (SourceRemoved) Kind() Kind      { return KindSourceRemoved }
func (FilelistAdded) Kind() Kind      { return KindFilelistAdded }
func (FilelistRemoved) Kind() Kind    { return KindFilelistRemoved }
func (DirectoryAdded) Kind() Kind     { return KindDirectoryAdded }
func (DirectoryRemoved) Kind() Kind   { return KindDirectoryRemoved }
func (PriorityChanged) Kind() Kind    { return KindPriorityChanged }
func (DownloadStarting) Kind() Kind   { return KindDownloadStarting }
func (DownloadFinished) Kind() Kind   { return KindDownloadFinished }
func (FilelistFinished) Kind() Kind   { return KindFilelistFinished }
func (UploadStarting) Kind() Kind     { return KindUploadStarting }
func (UploadFinished) Kind() Kind     { return KindUploadFinished }
func (TransferAborted) Kind() Kind    { return KindTransferAborted }
func (TransferStats) Kind() Kind      { return KindTransferStats }
func (ScanFinished) Kind() Kind       { return KindScanFinished }
func (ExtraSlotGranted) Kind() Kind   { return KindExtraSlotGranted }
func (ExternalIPDetected) Kind() Kind { return KindExternalIPDetected }
func (TTHAvailable) Kind() Kind       { return KindTTHAvailable }
func (SearchResponse) Kind() Kind     { return KindSearchResponse }
func (StatusMessage) Kind() Kind      { return KindStatusMessage }
