package autofix

import "time"

// RemedyDir holds the vendor remediation scripts shipped with the package.
const RemedyDir = "/usr/lib/healthwatch/remedies"

// DefaultActions is the table used when the configuration defines none.
func DefaultActions() []Action {
	return []Action{
		{
			ID:          "notify-warning",
			Kind:        KindNotify,
			Triggers:    []string{"*:warning"},
			MinInterval: 10 * time.Minute,
			Description: "Tell logged-in users about the warning",
		},
		{
			ID:          "capture-diagnostics",
			Kind:        KindDump,
			Triggers:    []string{"*:critical"},
			MinInterval: 30 * time.Minute,
			Description: "Capture a diagnostic dump while the host is still responsive",
		},
		{
			ID:           "reset-usb",
			Kind:         KindCommand,
			Triggers:     []string{"usb:emergency"},
			Command:      []string{RemedyDir + "/usb-reset"},
			Timeout:      time.Minute,
			MinInterval:  10 * time.Minute,
			Subsystem:    "usb",
			Description:  "Unbind and rebind the xHCI controller with the most resets",
			SafetyChecks: []string{"skip controllers carrying the root filesystem", "skip controllers with input devices only"},
		},
		{
			ID:           "reload-gpu-driver",
			Kind:         KindCommand,
			Triggers:     []string{"driver:emergency"},
			Command:      []string{RemedyDir + "/driver-reload"},
			Timeout:      2 * time.Minute,
			MinInterval:  30 * time.Minute,
			Subsystem:    "gpu",
			Description:  "Reload the GPU kernel module",
			SafetyChecks: []string{"refuse while a display server holds the device"},
		},
		{
			ID:           "emergency-shutdown",
			Kind:         KindEmergency,
			Triggers:     []string{"*:emergency"},
			Timeout:      10 * time.Minute,
			MinInterval:  15 * time.Minute,
			Subsystem:    "host",
			Description:  "Terminate the heaviest processes, power off if the signal stays at emergency",
			SafetyChecks: []string{"protected process policy", "re-sample before shutdown"},
		},
	}
}
