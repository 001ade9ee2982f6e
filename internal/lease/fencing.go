package lease

// TokenAccepts is the fencing rule: an incoming token is accepted only
// if strictly greater than the stored one. Pure and total; this single
// comparison is the safety mechanism every downstream writer must apply
// to reject a holder that has since lost the lock.
func TokenAccepts(storedToken, incomingToken int64) bool {
	return incomingToken > storedToken
}
