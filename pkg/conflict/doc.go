// Package conflict detects findings that disagree about the same topic and
// walks each disagreement through human review.
//
// Detection is pure and pairwise. Review state lives in Redis:
//
//	conflict:{id}              hash, status PENDING -> HUMAN_REVIEWING -> terminal
//	conflict:queue:{level}     list of ids awaiting review
//	conflict:history:{date}    list of JSON decisions
//	conflict:metrics:{date}    hash, last computed summary
//
// Conflict ids are derived from the two finding ids, so detecting the same
// pair twice queues it once.
package conflict
