package capability

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/mattn/go-shellwords"
	"github.com/vaanilabs/vaani-engine/internal/config"
)

// Availability is the result of probing the host for the capture and
// recognition capabilities. It is consulted once at session start instead of
// scattering runtime checks through the engine.
type Availability struct {
	Capture     bool
	Recognition bool
	Reason      string
}

// Probe inspects the configured backends and reports what this host can do.
func Probe(captureCfg config.CaptureConfig, speechCfg config.SpeechConfig) Availability {
	avail := Availability{Capture: true, Recognition: true}

	if reason := probeBackend(captureCfg.Mode, captureCfg.Command, captureCfg.Path); reason != "" {
		avail.Capture = false
		avail.Reason = fmt.Sprintf("capture: %s", reason)
	}
	if reason := probeBackend(speechCfg.Mode, speechCfg.Command, ""); reason != "" {
		avail.Recognition = false
		if avail.Reason != "" {
			avail.Reason += "; "
		}
		avail.Reason += fmt.Sprintf("recognition: %s", reason)
	}
	return avail
}

func probeBackend(mode, command, path string) string {
	switch mode {
	case "mock":
		return ""
	case "exec":
		parser := shellwords.NewParser()
		args, err := parser.Parse(command)
		if err != nil || len(args) == 0 {
			return "invalid command"
		}
		if _, err := exec.LookPath(args[0]); err != nil {
			return fmt.Sprintf("command %q not found", args[0])
		}
		return ""
	case "wav":
		if _, err := os.Stat(path); err != nil {
			return fmt.Sprintf("file %q not readable", path)
		}
		return ""
	default:
		return fmt.Sprintf("unknown mode %q", mode)
	}
}
