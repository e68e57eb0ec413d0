package main

// IPCRequest is sent from the CLI client to the daemon.
type IPCRequest struct {
	Command string `json:"command"`          // see daemon.handleRequest
	Slot    int    `json:"slot,omitempty"`   // alarm slot, 0-2
	Hour    int    `json:"hour,omitempty"`   // alarm hour
	Minute  int    `json:"minute,omitempty"` // alarm minute
	Melody  int    `json:"melody,omitempty"` // alarm or playback melody
	Level   int    `json:"level,omitempty"`  // brightness
	Text    string `json:"text,omitempty"`
	Static  bool   `json:"static,omitempty"` // text mode
}

// AlarmView is one slot as reported to the client.
type AlarmView struct {
	Slot    int    `json:"slot"`
	Empty   bool   `json:"empty"`
	Time    string `json:"time,omitempty"` // HH:MM
	Enabled bool   `json:"enabled"`
	Melody  int    `json:"melody"`
	Name    string `json:"melody_name,omitempty"`
}

// StepResult is one line of a selftest report.
type StepResult struct {
	Command string `json:"command"`
	Frame   string `json:"frame"`
	Reply   string `json:"reply,omitempty"`
	Passed  bool   `json:"passed"`
}

// IPCResponse is sent from the daemon back to the CLI client.
type IPCResponse struct {
	State      string       `json:"state,omitempty"` // "connected", "connecting", "disconnected"
	Peer       string       `json:"peer,omitempty"`
	Alarms     []AlarmView  `json:"alarms,omitempty"`
	Brightness *int         `json:"brightness,omitempty"`
	Steps      []StepResult `json:"steps,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// WatchEvent is streamed, one JSON object per line, to `watch` clients.
type WatchEvent struct {
	Type    string `json:"type"` // "connection" | "ack" | "error" | "alarm"
	State   string `json:"state,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Auto    bool   `json:"auto,omitempty"`
	Message string `json:"message,omitempty"`
	Slot    *int   `json:"slot,omitempty"`
}
