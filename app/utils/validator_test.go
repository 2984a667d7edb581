package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	MachineID  string `json:"machine_id" validate:"required"`
	TargetType string `json:"target_type,omitempty" validate:"omitempty,oneof=local ssh"`
}

func TestValidateStruct(t *testing.T) {
	require.NoError(t, ValidateStruct(&sample{MachineID: "m1"}))
	require.NoError(t, ValidateStruct(&sample{MachineID: "m1", TargetType: "ssh"}))

	err := ValidateStruct(&sample{TargetType: "telnet"})
	require.Error(t, err)

	var fe FieldErrors
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "failed required", fe["machine_id"])
	assert.Equal(t, "failed oneof=local ssh", fe["target_type"])
	assert.Equal(t, "validation failed: machine_id: failed required, target_type: failed oneof=local ssh", err.Error())
}
