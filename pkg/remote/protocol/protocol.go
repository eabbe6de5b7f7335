// Package protocol defines the methods, sentinels and payloads exchanged
// between an agent and a supervisor over a link.
package protocol

// DefaultPort is the port agents listen on when none is configured.
const DefaultPort = 29998

// Content transfer limits. getFile moves content in chunks so a single
// frame never has to carry a whole artifact.
const (
	FileChunkSize = 4 << 20
	MaxFileSize   = 256 << 20
)

// Redirect targets accepted by the redirect method. Any other positive value
// is a TCP port to relay I/O to.
const (
	RedirectNone    = 0
	RedirectShell   = -1
	RedirectConsole = 1
)

// Session exit codes carried by the exit event.
const (
	ExitClose = -2
	ExitAbort = -3
)

// Event types pushed with the event notification.
const (
	EventExit      = "exit"
	EventFramework = "framework"
)

// Agent-side methods.
const (
	MethodGetFramework        = "getFramework"
	MethodGetSystemProperties = "getSystemProperties"
	MethodInstallWithData     = "installWithData"
	MethodInstall             = "install"
	MethodInstallFromURL      = "installFromURL"
	MethodStart               = "start"
	MethodStop                = "stop"
	MethodUninstall           = "uninstall"
	MethodUpdate              = "update"
	MethodUpdateBundle        = "updateBundle"
	MethodUpdateFromURL       = "updateFromURL"
	MethodRedirect            = "redirect"
	MethodStdin               = "stdin"
	MethodShell               = "shell"
	MethodPing                = "ping"
	MethodIsEnvoy             = "isEnvoy"
	MethodCreateFramework     = "createFramework"
	MethodAbort               = "abort"
	MethodClose               = "close"
)

// Supervisor-side methods.
const (
	MethodEvent            = "event"
	MethodStdout           = "stdout"
	MethodStderr           = "stderr"
	MethodGetFile          = "getFile"
	MethodLogged           = "logged"
	MethodOnFrameworkEvent = "onFrameworkEvent"
)
