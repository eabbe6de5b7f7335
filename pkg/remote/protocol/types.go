package protocol

import "time"

// FrameworkDTO is the snapshot returned by getFramework.
type FrameworkDTO struct {
	Name       string            `json:"name"`
	State      string            `json:"state"`
	StartLevel int               `json:"startLevel"`
	Bundles    []BundleDTO       `json:"bundles"`
	Services   []ServiceDTO      `json:"services"`
	Properties map[string]string `json:"properties"`
}

// BundleDTO describes one installed module.
type BundleDTO struct {
	ID           int64     `json:"id"`
	Location     string    `json:"location"`
	SymbolicName string    `json:"symbolicName"`
	Version      string    `json:"version"`
	State        int       `json:"state"`
	StartLevel   int       `json:"startLevel"`
	LastModified time.Time `json:"lastModified"`
}

// ServiceDTO describes one registered service.
type ServiceDTO struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	BundleID int64  `json:"bundleId"`
}

// Event is the payload of the event notification.
type Event struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

// FrameworkEventDTO is the payload of onFrameworkEvent.
type FrameworkEventDTO struct {
	Type     int       `json:"type"`
	BundleID int64     `json:"bundleId"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// LogEntry is the payload of logged.
type LogEntry struct {
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	BundleID int64     `json:"bundleId,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// InstallResult is returned by the install family of methods. Error is empty on success.
type InstallResult struct {
	Bundle *BundleDTO `json:"bundle,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Params for agent-side methods.
type (
	InstallWithDataParams struct {
		Location string `json:"location,omitempty"`
		Data     []byte `json:"data"`
	}
	InstallParams struct {
		Location string `json:"location"`
		Hash     string `json:"hash"`
	}
	InstallFromURLParams struct {
		Location string `json:"location"`
		URL      string `json:"url"`
	}
	IDsParams struct {
		IDs []int64 `json:"ids"`
	}
	UpdateParams struct {
		Bundles map[string]string `json:"bundles"`
	}
	UpdateBundleParams struct {
		ID   int64  `json:"id"`
		Hash string `json:"hash"`
	}
	UpdateFromURLParams struct {
		ID  int64  `json:"id"`
		URL string `json:"url"`
	}
	RedirectParams struct {
		Port int `json:"port"`
	}
	TextParams struct {
		Text string `json:"text"`
	}
	CreateFrameworkParams struct {
		Name       string            `json:"name"`
		Properties map[string]string `json:"properties,omitempty"`
		Reuse      bool              `json:"reuse"`
	}
)

// Params for supervisor-side methods.
type (
	// GetFileParams asks for Length bytes of the content starting at Offset.
	GetFileParams struct {
		Hash   string `json:"hash"`
		Offset int64  `json:"offset"`
		Length int    `json:"length"`
	}
)

// FileChunk is the result of getFile: a slice of the content and its total size.
// A null result means the supervisor does not have the content.
type FileChunk struct {
	Data []byte `json:"data"`
	Size int64  `json:"size"`
}

// Chunk slices data as requested by p. A zero Length means FileChunkSize.
func Chunk(data []byte, p GetFileParams) *FileChunk {
	length := p.Length
	if length <= 0 || length > FileChunkSize {
		length = FileChunkSize
	}
	size := int64(len(data))
	start := p.Offset
	if start < 0 {
		start = 0
	}
	if start > size {
		start = size
	}
	end := start + int64(length)
	if end > size {
		end = size
	}
	return &FileChunk{Data: data[start:end], Size: size}
}
