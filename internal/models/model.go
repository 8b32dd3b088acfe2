package models

// ModelDescriptor is one entry of the static model catalog.
type ModelDescriptor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Provider    string `json:"provider"`
}
