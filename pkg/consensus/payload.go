package consensus

// VotePayload is the canonical payload a validator signs to cast a vote.
func VotePayload(txID, agentID string, approve bool) map[string]any {
	return map[string]any{
		"transaction_id": txID,
		"agent_id":       agentID,
		"vote":           approve,
	}
}
