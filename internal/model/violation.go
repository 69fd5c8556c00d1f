package model

import "time"

// ViolationReason is the closed set of integrity signals counted by the ledger.
type ViolationReason string

const (
	ViolationTabSwitch             ViolationReason = "tab_switch"
	ViolationFullscreenExit        ViolationReason = "fullscreen_exit"
	ViolationWindowBlur            ViolationReason = "window_blur"
	ViolationMultipleTabs          ViolationReason = "multiple_tabs"
	ViolationRightClick            ViolationReason = "right_click"
	ViolationProhibitedShortcut    ViolationReason = "prohibited_shortcut"
	ViolationDevTools              ViolationReason = "devtools_detected"
	ViolationScreenChange          ViolationReason = "screen_change"
	ViolationFullscreenUnavailable ViolationReason = "fullscreen_unavailable"
	ViolationMultipleFaces         ViolationReason = "multiple_faces"
)

// AllViolationReasons lists every recognized reason.
var AllViolationReasons = []ViolationReason{
	ViolationTabSwitch,
	ViolationFullscreenExit,
	ViolationWindowBlur,
	ViolationMultipleTabs,
	ViolationRightClick,
	ViolationProhibitedShortcut,
	ViolationDevTools,
	ViolationScreenChange,
	ViolationFullscreenUnavailable,
	ViolationMultipleFaces,
}

// Valid reports whether r belongs to the recognized set.
func (r ViolationReason) Valid() bool {
	for _, known := range AllViolationReasons {
		if r == known {
			return true
		}
	}
	return false
}

// Label returns the candidate-facing description shown in the warning modal.
func (r ViolationReason) Label() string {
	switch r {
	case ViolationTabSwitch:
		return "Berpindah tab atau jendela."
	case ViolationFullscreenExit:
		return "Keluar dari mode layar penuh."
	case ViolationWindowBlur:
		return "Jendela ujian kehilangan fokus."
	case ViolationMultipleTabs:
		return "Ujian dibuka di lebih dari satu tab."
	case ViolationRightClick:
		return "Klik kanan tidak diperbolehkan."
	case ViolationProhibitedShortcut:
		return "Pintasan keyboard terlarang."
	case ViolationDevTools:
		return "Developer tools terdeteksi."
	case ViolationScreenChange:
		return "Konfigurasi layar berubah."
	case ViolationFullscreenUnavailable:
		return "Mode layar penuh tidak dapat diaktifkan."
	case ViolationMultipleFaces:
		return "Terdeteksi lebih dari satu wajah."
	default:
		return "Pelanggaran tidak dikenal."
	}
}

// LastViolation is the snapshot persisted alongside the violation count.
type LastViolation struct {
	Reason    ViolationReason `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// ViolationSnapshot is queued for the durable store each time the live
// violation count rises.
type ViolationSnapshot struct {
	SessionID string        `json:"session_id"`
	Count     int           `json:"count"`
	Last      LastViolation `json:"last"`
}

// ReportViolationRequest records a violation a supervisor observed on the
// candidate's video feed.
type ReportViolationRequest struct {
	Reason ViolationReason `json:"reason" binding:"required,violation_reason"`
}
