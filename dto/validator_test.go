package dto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractionRequestValidation(t *testing.T) {
	valid := ExtractionRequest{Text: "Photosynthesis converts light energy into chemical energy."}
	assert.NoError(t, GetValidator().Struct(&valid))

	withSubject := valid
	withSubject.SubjectID = "0b196c04-df0f-4f39-b65b-9f6a9fd7b574"
	assert.NoError(t, GetValidator().Struct(&withSubject))

	tooShort := ExtractionRequest{Text: "short"}
	err := GetValidator().Struct(&tooShort)
	require.Error(t, err)
	errors := FormatValidationErrors(err)
	require.Len(t, errors, 1)
	assert.Equal(t, "Text", errors[0].Field)
	assert.Contains(t, errors[0].Message, "at least")

	badSubject := valid
	badSubject.SubjectID = "not-a-uuid"
	err = GetValidator().Struct(&badSubject)
	require.Error(t, err)
	assert.Contains(t, FormatValidationErrors(err)[0].Message, "UUID")
}

func TestRateLimitConfigUpdateValidation(t *testing.T) {
	assert.NoError(t, GetValidator().Struct(&RateLimitConfigUpdateRequest{MaxRequests: 100, WindowSize: "15m"}))
	assert.NoError(t, GetValidator().Struct(&RateLimitConfigUpdateRequest{}), "all fields optional")

	err := GetValidator().Struct(&RateLimitConfigUpdateRequest{WindowSize: "soon"})
	require.Error(t, err)
	assert.Contains(t, FormatValidationErrors(err)[0].Message, "duration")

	err = GetValidator().Struct(&RateLimitConfigUpdateRequest{WindowSize: "-5m"})
	require.Error(t, err, "negative windows are rejected")
}

func TestQuotaOverrideRequestValidation(t *testing.T) {
	zero := 0
	assert.NoError(t, GetValidator().Struct(&QuotaOverrideRequest{DailyLimit: &zero}),
		"zero is a valid limit, it disables the resource")

	assert.Error(t, GetValidator().Struct(&QuotaOverrideRequest{}), "limit must be present")

	negative := -1
	assert.Error(t, GetValidator().Struct(&QuotaOverrideRequest{DailyLimit: &negative}))
}
