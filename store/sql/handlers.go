package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func executionHandlers() repository.ModelHandlers[*executionRecord] {
	return repository.ModelHandlers[*executionRecord]{
		NewRecord: func() *executionRecord {
			return &executionRecord{}
		},
		GetID: func(record *executionRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *executionRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *executionRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func linkHandlers() repository.ModelHandlers[*linkRecord] {
	return repository.ModelHandlers[*linkRecord]{
		NewRecord: func() *linkRecord {
			return &linkRecord{}
		},
		GetID: func(record *linkRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *linkRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *linkRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func policyHandlers() repository.ModelHandlers[*policyRecord] {
	return repository.ModelHandlers[*policyRecord]{
		NewRecord: func() *policyRecord {
			return &policyRecord{}
		},
		GetID: func(record *policyRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *policyRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "policy_key"
		},
		GetIdentifierValue: func(record *policyRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.Key)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
