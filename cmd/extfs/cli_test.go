package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCmdArgsAllowsZeroWithUsage(t *testing.T) {
	orig := flagUsage
	defer func() { flagUsage = orig }()

	flagUsage = true
	assert.NoError(t, rootCmd.Args(rootCmd, nil))
}

func TestRootCmdArgsRequiresDeviceWithoutUsage(t *testing.T) {
	orig := flagUsage
	defer func() { flagUsage = orig }()

	flagUsage = false
	assert.Error(t, rootCmd.Args(rootCmd, nil))
	assert.NoError(t, rootCmd.Args(rootCmd, []string{"disk.img"}))
	assert.NoError(t, rootCmd.Args(rootCmd, []string{"disk.img", "/mnt"}))
	assert.Error(t, rootCmd.Args(rootCmd, []string{"disk.img", "/mnt", "extra"}))
}

func TestFlagDefaults(t *testing.T) {
	assert.False(t, flagForeground.Value)
	assert.False(t, flagProbe.Value)
	assert.Equal(t, "", flagTestUUID.Value)
	assert.Equal(t, "", flagConfig.Value)
	assert.Equal(t, uint(0), flagSyncInterval.Value)
}

func TestSyncIntervalFlagRejectsTooSmallAValue(t *testing.T) {
	orig := flagSyncInterval.Value
	defer func() { flagSyncInterval.Value = orig }()

	flagSyncInterval.Value = 0
	assert.NoError(t, flagSyncInterval.FlagValidate())

	flagSyncInterval.Value = 4
	assert.Error(t, flagSyncInterval.FlagValidate())

	flagSyncInterval.Value = 30
	assert.NoError(t, flagSyncInterval.FlagValidate())
}
