package service

import (
	"testing"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
)

func TestService_ScheduleMaintenance(t *testing.T) {
	svc, _, _ := newFixture(t, &scriptedEngine{})
	c := cron.New()

	assert.NoError(t, svc.ScheduleMaintenance(c, "@hourly"))
	assert.Error(t, svc.ScheduleMaintenance(c, "not a cron expression"))
}
