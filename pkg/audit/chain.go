package audit

import (
	"fmt"
)

// VerifyChain walks records (which must be sorted by sequence_number
// ascending and belong to one tenant) and checks three properties per
// record: the recomputed hash matches record_hash, previous_hash links to
// the prior record, and sequence numbers are contiguous.
//
// startPreviousHash is the hash the first record must link to: the genesis
// anchor for a full verification, or the record_hash preceding a window.
func VerifyChain(records []*Record, startPreviousHash string) (bool, []string) {
	var problems []string
	prevHash := startPreviousHash
	for i, r := range records {
		if i > 0 && r.SequenceNumber != records[i-1].SequenceNumber+1 {
			problems = append(problems, fmt.Sprintf(
				"sequence gap: %d followed by %d",
				records[i-1].SequenceNumber, r.SequenceNumber))
		}
		if r.PreviousHash != prevHash {
			problems = append(problems, fmt.Sprintf(
				"broken link at sequence %d: previous_hash %s does not match prior record_hash %s",
				r.SequenceNumber, r.PreviousHash, prevHash))
		}
		computed, err := r.ComputeHash()
		if err != nil {
			problems = append(problems, fmt.Sprintf(
				"hash recomputation failed at sequence %d: %v", r.SequenceNumber, err))
			prevHash = r.RecordHash
			continue
		}
		if computed != r.RecordHash {
			problems = append(problems, fmt.Sprintf(
				"tampered record at sequence %d: stored hash %s, recomputed %s",
				r.SequenceNumber, r.RecordHash, computed))
		}
		prevHash = r.RecordHash
	}
	return len(problems) == 0, problems
}

// VerifyFull verifies a complete tenant chain from genesis.
func VerifyFull(records []*Record) (bool, []string) {
	if len(records) == 0 {
		return true, nil
	}
	if records[0].SequenceNumber != 0 {
		return false, []string{fmt.Sprintf(
			"chain does not start at genesis: first sequence is %d",
			records[0].SequenceNumber)}
	}
	return VerifyChain(records, GenesisPreviousHash)
}
