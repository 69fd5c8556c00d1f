package session

import (
	"github.com/stemsi/exstem-proctor/internal/model"
)

// PreflightResult is what the Loading state learned about the device.
type PreflightResult struct {
	// FullscreenDegraded means the guard is disabled for the session.
	FullscreenDegraded bool
	// FaceDegraded means no face sampling runs for the session.
	FaceDegraded bool
}

// CheckPreflight applies the Loading to Running requirements to the client's
// capability probes. Media must always be acquired; missing fullscreen or an
// unavailable face detector can only be bypassed with AllowDegraded.
func CheckPreflight(req model.PreflightRequest, faceReady bool) (PreflightResult, error) {
	var (
		res    PreflightResult
		issues []string
	)

	if !req.MediaAcquired {
		issues = append(issues, IssueMediaUnavailable)
	}
	if !req.FullscreenSupported {
		if req.AllowDegraded {
			res.FullscreenDegraded = true
		} else {
			issues = append(issues, IssueFullscreenUnsupported)
		}
	}
	if !faceReady {
		if req.AllowDegraded {
			res.FaceDegraded = true
		} else {
			issues = append(issues, IssueFaceModelUnavailable)
		}
	}

	if len(issues) > 0 {
		return res, &CapabilityError{Issues: issues}
	}
	return res, nil
}
