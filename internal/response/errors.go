package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// Authentication
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrSessionActive      ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"

	// Authorization
	ErrForbidden            ErrCode = "FORBIDDEN"
	ErrCandidateAccessOnly  ErrCode = "CANDIDATE_ACCESS_ONLY"
	ErrSupervisorAccessOnly ErrCode = "SUPERVISOR_ACCESS_ONLY"

	// Validation
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// Resources
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// Exam-specific
	ErrExamNotAvailable ErrCode = "EXAM_NOT_AVAILABLE"
	ErrNoQuestions      ErrCode = "NO_QUESTIONS"
	ErrCapability       ErrCode = "DEVICE_REQUIREMENTS_NOT_MET"
	ErrSessionFinalized ErrCode = "SESSION_FINALIZED"
	ErrSessionNotActive ErrCode = "SESSION_NOT_RUNNING"
	ErrUnknownQuestion  ErrCode = "UNKNOWN_QUESTION"
	ErrEmptyAnswer      ErrCode = "EMPTY_ANSWER"

	// Grading
	ErrSessionNotTerminal ErrCode = "SESSION_NOT_TERMINAL"
	ErrNotEssayQuestion   ErrCode = "NOT_ESSAY_QUESTION"
	ErrInvalidScore       ErrCode = "INVALID_SCORE"

	// Rate Limiting
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// Server
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

var messages = map[ErrCode]string{
	ErrInvalidCredentials:   "Nomor peserta/email atau kata sandi salah.",
	ErrSessionActive:        "Anda sudah login di perangkat lain.",
	ErrSessionInvalidated:   "Sesi Anda telah berakhir. Silakan login kembali.",
	ErrTokenRequired:        "Token autentikasi diperlukan.",
	ErrTokenInvalid:         "Token autentikasi tidak valid.",
	ErrTokenExpired:         "Token autentikasi telah kedaluwarsa.",
	ErrForbidden:            "Anda tidak memiliki izin untuk mengakses sumber daya ini.",
	ErrCandidateAccessOnly:  "Sumber daya ini terbatas untuk peserta ujian.",
	ErrSupervisorAccessOnly: "Sumber daya ini terbatas untuk pengawas.",
	ErrValidation:           "Validasi gagal. Silakan periksa masukan Anda.",
	ErrInvalidID:            "Format ID tidak valid.",
	ErrInvalidPayload:       "Payload permintaan tidak valid.",
	ErrNotFound:             "Sumber daya tidak ditemukan.",
	ErrConflict:             "Sumber daya sudah ada.",
	ErrExamNotAvailable:     "Ujian ini saat ini tidak tersedia.",
	ErrNoQuestions:          "Ujian ini tidak memiliki pertanyaan.",
	ErrCapability:           "Perangkat Anda tidak memenuhi persyaratan ujian.",
	ErrSessionFinalized:     "Sesi ujian ini sudah selesai.",
	ErrSessionNotActive:     "Sesi ujian ini tidak sedang berjalan.",
	ErrUnknownQuestion:      "Soal tidak termasuk dalam ujian ini.",
	ErrEmptyAnswer:          "Jawaban tidak boleh kosong.",
	ErrSessionNotTerminal:   "Sesi ujian masih berlangsung dan belum dapat dinilai.",
	ErrNotEssayQuestion:     "Soal ini bukan soal esai dari ujian ini.",
	ErrInvalidScore:         "Nilai esai harus di antara 0 dan 100.",
	ErrRateLimitExceeded:    "Terlalu banyak permintaan. Silakan coba lagi nanti.",
	ErrInternal:             "Terjadi kesalahan server internal.",
}

// GetMessage returns the Indonesian message shown to users for code.
func GetMessage(code ErrCode) string {
	if msg, ok := messages[code]; ok {
		return msg
	}
	return "Terjadi kesalahan yang tidak terduga."
}
