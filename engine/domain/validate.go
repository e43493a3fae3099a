package domain

// ValidateMessage checks the fields an ingested message must carry before
// it can enter the pipeline.
func ValidateMessage(m Message) error {
	switch {
	case m.OrgID == "":
		return ErrMissingOrgID
	case m.UserID == "":
		return ErrMissingUserID
	case m.TS.IsZero():
		return ErrMissingTimestamp
	case m.Text == "":
		return ErrMissingText
	case m.SourceType == "":
		return ErrMissingSourceType
	}
	return nil
}
