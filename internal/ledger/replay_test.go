package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicledger/internal/model"
)

func TestReplay_FoldsReleases(t *testing.T) {
	project := &model.Project{ID: 1, Budget: 10, Status: model.ProjectCreated}
	tender := &model.Tender{ID: 1, ProjectID: 1, Status: model.TenderApproved, RevealedContractor: "0xbuilder"}
	milestone := &model.Milestone{ID: 1, TenderID: 1, ProjectID: 1, Percentage: 20, Status: model.MilestoneApproved, ReleasedAmount: 2}

	events := []model.Event{
		{ID: 1, Kind: model.EventProjectCreated, ProjectID: 1, AggregateID: 1, Amount: 10, Project: project},
		{ID: 2, Kind: model.EventTenderApproved, ProjectID: 1, AggregateID: 1, Tender: tender},
		{ID: 3, Kind: model.EventMilestoneApproved, ProjectID: 1, AggregateID: 1, Amount: 2, Milestone: milestone, Tender: tender},
	}

	p, err := Replay(events)
	require.NoError(t, err)
	assert.Equal(t, int64(8), p.Escrow[1])
	assert.Equal(t, int64(2), p.Balances["0xbuilder"])
	assert.Equal(t, model.MilestoneApproved, p.Milestones[1].Status)
	assert.Equal(t, int64(3), p.LastEvent)
}

func TestReplay_RejectsBrokenLogs(t *testing.T) {
	project := &model.Project{ID: 1, Budget: 10}

	_, err := Replay([]model.Event{
		{ID: 2, Kind: model.EventProjectCreated, Project: project, Amount: 10},
		{ID: 1, Kind: model.EventProjectAssigned, Project: project},
	})
	assert.Error(t, err)

	_, err = Replay([]model.Event{{ID: 1, Kind: "project.exploded", Project: project}})
	assert.Error(t, err)

	tender := &model.Tender{ID: 1, RevealedContractor: "0xbuilder"}
	_, err = Replay([]model.Event{
		{ID: 1, Kind: model.EventProjectCreated, ProjectID: 1, Project: project, Amount: 10},
		{ID: 2, Kind: model.EventMilestoneApproved, ProjectID: 1, Amount: 11, Tender: tender, Milestone: &model.Milestone{ID: 1}},
	})
	assert.Error(t, err)
}
