package kv

import (
	"strconv"
	"time"
)

// Stage names double as stream suffixes.
const (
	StageMessageGeneration  = "message-generation"
	StageInviteSending      = "invite-sending"
	StageAcceptanceChecking = "acceptance-checking"
)

// Consumer groups per stage.
var groups = map[string]string{
	StageMessageGeneration:  "message-generators",
	StageInviteSending:      "invite-senders",
	StageAcceptanceChecking: "acceptance-checkers",
}

// Group returns the consumer group of a stage.
func Group(stage string) string { return groups[stage] }

// Stages lists every pipeline stage.
func Stages() []string {
	return []string{StageMessageGeneration, StageInviteSending, StageAcceptanceChecking}
}

const (
	// CampaignTTL bounds every cached campaign key.
	CampaignTTL = 5 * time.Minute
	// CampaignListTTL bounds the cached campaign list of an operator.
	CampaignListTTL = 5 * time.Minute
	// StatusSnapshotTTL keeps the last status event around for late observers.
	StatusSnapshotTTL = 24 * time.Hour
)

func id(n int64) string { return strconv.FormatInt(n, 10) }

// CampaignData: campaign/<id>/data (hash).
func CampaignData(campaignID int64) string { return "campaign/" + id(campaignID) + "/data" }

// CampaignLeads: campaign/<id>/leads (hash, lead id -> lead JSON).
func CampaignLeads(campaignID int64) string { return "campaign/" + id(campaignID) + "/leads" }

// LeadField is the hash field of a lead inside CampaignLeads.
func LeadField(leadID int64) string { return id(leadID) }

// Stream: campaign/<id>/<stage>.
func Stream(campaignID int64, stage string) string {
	return "campaign/" + id(campaignID) + "/" + stage
}

// StageRegistry: pipeline/<stage>/campaigns (set of campaign ids with outstanding entries).
func StageRegistry(stage string) string { return "pipeline/" + stage + "/campaigns" }

func BatchLock(campaignID int64) string { return "batch-processing/campaign/" + id(campaignID) }

func PrefetchLock(operatorID int64) string { return "prefetch/lock/user/" + id(operatorID) }

func AutoQueueStamp(campaignID int64) string { return "auto-queue/" + id(campaignID) + "/attempt" }

// StagePace marks a campaign's stage as resting between batches.
func StagePace(campaignID int64, stage string) string {
	return "pace/" + stage + "/campaign/" + id(campaignID)
}

func JobStatus(jobID string) string { return "job/" + jobID + "/status" }

func JobStatusLast(jobID string) string { return "job/" + jobID + "/status/last" }

func JobControl(jobID string) string { return "job/" + jobID + "/control" }

func CampaignList(operatorID int64) string { return "user/" + id(operatorID) + "/campaigns/list" }
