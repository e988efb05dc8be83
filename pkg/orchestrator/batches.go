package orchestrator

import "github.com/tidemark/settler/pkg/models"

// SplitBatches partitions candidates into successive sub-batches of at most
// max items, preserving order. Non-positive max yields a single batch.
func SplitBatches(candidates []models.Candidate, max int) [][]models.Candidate {
	if len(candidates) == 0 {
		return nil
	}
	if max <= 0 || len(candidates) <= max {
		return [][]models.Candidate{candidates}
	}

	batches := make([][]models.Candidate, 0, (len(candidates)+max-1)/max)
	for start := 0; start < len(candidates); start += max {
		end := start + max
		if end > len(candidates) {
			end = len(candidates)
		}
		batches = append(batches, candidates[start:end])
	}
	return batches
}

// GroupCandidates partitions candidates by the rule's grouping dimension,
// preserving first-appearance order of groups. Candidates without a value
// for the dimension share the unkeyed group.
func GroupCandidates(candidates []models.Candidate, dimension string) [][]models.Candidate {
	if dimension == "" {
		return [][]models.Candidate{candidates}
	}

	var groups [][]models.Candidate
	index := make(map[string]int)
	for _, c := range candidates {
		key := c.GroupKey(dimension)
		i, ok := index[key]
		if !ok {
			groups = append(groups, nil)
			i = len(groups) - 1
			index[key] = i
		}
		groups[i] = append(groups[i], c)
	}
	return groups
}
