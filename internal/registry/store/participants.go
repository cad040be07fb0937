package store

// MergeParticipants returns creatorID followed by participantIDs with duplicates and
// empty ids removed, keeping first-occurrence order.
func MergeParticipants(creatorID string, participantIDs []string) []string {
	seen := make(map[string]bool, len(participantIDs)+1)
	result := make([]string, 0, len(participantIDs)+1)
	for _, id := range append([]string{creatorID}, participantIDs...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
	}
	return result
}

// Missing returns the entries of want that do not appear in have.
func Missing(want, have []string) []string {
	present := make(map[string]bool, len(have))
	for _, id := range have {
		present[id] = true
	}
	var missing []string
	for _, id := range want {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
