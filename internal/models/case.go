package models

// DocType classifies an uploaded document.
type DocType string

const (
	DocTypeQuestion      DocType = "question_dr"
	DocTypeSupport       DocType = "support"
	DocTypeResponseDraft DocType = "response_draft"
	DocTypeOther         DocType = "other"
)

// Case identifies a tax audit engagement.
type Case struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	CustomInstruction string `json:"custom_instruction,omitempty"`
}

// Document is an uploaded file together with its OCR text.
type Document struct {
	ID            int64   `json:"id"`
	CaseID        int64   `json:"case_id"`
	Filename      string  `json:"filename"`
	DocType       DocType `json:"doc_type"`
	ExtractedText string  `json:"-"`
}

// Round is one cycle of received questions within a case.
type Round struct {
	ID     int64 `json:"id"`
	CaseID int64 `json:"case_id"`
	Number int   `json:"number"`
}

// Question is a single item of an information request. RoundNumber and CaseID are
// denormalized from the owning round.
type Question struct {
	ID          int64  `json:"id"`
	RoundID     int64  `json:"round_id"`
	CaseID      int64  `json:"case_id"`
	RoundNumber int    `json:"round_number"`
	Number      int    `json:"number"`
	Text        string `json:"text"`
	Response    string `json:"response"`
}
