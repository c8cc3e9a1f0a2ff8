package deliver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/metacache"
)

func TestClassifyError_Throttle(t *testing.T) {
	assert.Equal(t, KindThrottle, classifyError("451 4.7.1 rate limit exceeded", true))
	assert.Equal(t, KindThrottle, classifyError("too many recipients", true))
}

func TestClassifyError_PermanentRecipient(t *testing.T) {
	assert.Equal(t, KindPermanentRecipient, classifyError("550 5.1.1 no such user", true))
	assert.Equal(t, KindTransientTransport, classifyError("550 5.1.1 no such user", false))
}

func TestClassifyError_TransientDefault(t *testing.T) {
	assert.Equal(t, KindTransientTransport, classifyError("connection reset by peer", true))
}

func TestEmailDomain(t *testing.T) {
	assert.Equal(t, "gmail.com", emailDomain("Person@Gmail.com"))
	assert.Equal(t, "unknown", emailDomain("not-an-email"))
}

func TestStepAlreadyResolved_Initial(t *testing.T) {
	sent := &domain.LedgerRow{Status: domain.LedgerSent}
	assert.True(t, stepAlreadyResolved(sent, -1))

	pending := &domain.LedgerRow{Status: domain.LedgerPending}
	assert.False(t, stepAlreadyResolved(pending, -1))
}

func TestStepAlreadyResolved_FollowUp(t *testing.T) {
	row := &domain.LedgerRow{
		FollowUpPlan: []domain.FollowUpPlanEntry{
			{Status: domain.StepSkipped},
			{Status: domain.StepScheduled},
		},
	}
	assert.True(t, stepAlreadyResolved(row, 0))
	assert.False(t, stepAlreadyResolved(row, 1))
	assert.False(t, stepAlreadyResolved(row, 5))
}

func TestResolveStep_InitialAndFollowUp(t *testing.T) {
	def := &metacache.Definition{
		Initial: domain.StepContent{Subject: "Hello"},
		FollowUps: []domain.FollowUpDef{
			{DelayMinutes: 60, Rule: domain.RuleNoReply, StepContent: domain.StepContent{Subject: "Reminder"}},
		},
	}

	_, content, err := resolveStep(def, -1)
	require.NoError(t, err)
	assert.Equal(t, "Hello", content.Subject)

	fu, content, err := resolveStep(def, 0)
	require.NoError(t, err)
	assert.Equal(t, "Reminder", content.Subject)
	assert.Equal(t, domain.RuleNoReply, fu.Rule)

	_, _, err = resolveStep(def, 1)
	assert.Error(t, err)
}
