package retrieval

import (
	"sort"

	"github.com/brunobiangulo/graphreason/store"
)

const rrfK = 60 // RRF constant (standard value from literature)

// FusedResultInfo holds per-result method contribution metadata.
type FusedResultInfo struct {
	Methods   []string `json:"methods"`
	VecRank   int      `json:"vec_rank,omitempty"`   // 1-based, 0 = not present
	FTSRank   int      `json:"fts_rank,omitempty"`   // 1-based, 0 = not present
	GraphRank int      `json:"graph_rank,omitempty"` // 1-based, 0 = not present
}

// fuseRRF implements Reciprocal Rank Fusion to combine results from
// multiple retrieval methods. Each result set is ranked independently,
// then scores are combined using: score = sum(weight_i / (k + rank_i)).
// It also returns per-result method contribution info keyed by TextUnitID.
func fuseRRF(
	vecResults, ftsResults, graphResults []store.RetrievalResult,
	weightVec, weightFTS, weightGraph float64,
	maxResults int,
) ([]store.RetrievalResult, map[int64]FusedResultInfo) {
	type fusedEntry struct {
		result store.RetrievalResult
		score  float64
		info   FusedResultInfo
	}

	fused := make(map[int64]*fusedEntry)

	add := func(results []store.RetrievalResult, weight float64, method string, setRank func(*FusedResultInfo, int)) {
		for rank, r := range results {
			entry, ok := fused[r.TextUnitID]
			if !ok {
				entry = &fusedEntry{result: r}
				fused[r.TextUnitID] = entry
			}
			entry.score += weight / float64(rrfK+rank+1)
			entry.info.Methods = append(entry.info.Methods, method)
			setRank(&entry.info, rank+1)
		}
	}

	add(vecResults, weightVec, "vector", func(i *FusedResultInfo, r int) { i.VecRank = r })
	add(ftsResults, weightFTS, "fts", func(i *FusedResultInfo, r int) { i.FTSRank = r })
	add(graphResults, weightGraph, "graph", func(i *FusedResultInfo, r int) { i.GraphRank = r })

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].score > entries[j].score })

	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]store.RetrievalResult, len(entries))
	infoMap := make(map[int64]FusedResultInfo, len(entries))
	for i, e := range entries {
		results[i] = e.result
		results[i].Score = e.score
		infoMap[e.result.TextUnitID] = e.info
	}

	return results, infoMap
}
