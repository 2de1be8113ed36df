package consensus

// Policy decides quorum sizes for a frozen node count.
type Policy interface {
	// Threshold returns how many matching replies make consensus.
	Threshold(n int, readOnly bool) int
	// ReadSubsetSize returns how many nodes a read-only request is first sent to.
	ReadSubsetSize(n int) int
}

// FaultyTolerance returns f, the number of faulty nodes n can tolerate.
func FaultyTolerance(n int) int {
	if n < 1 {
		return 0
	}
	return (n - 1) / 3
}

// BFTPolicy is the Byzantine quorum: writes need n-f, reads need f+1.
type BFTPolicy struct {
	// ReadSubset overrides the read subset size; 0 means a majority.
	ReadSubset int
}

// DefaultPolicy returns a BFTPolicy with majority read subsets.
func DefaultPolicy() *BFTPolicy {
	return &BFTPolicy{}
}

func (p *BFTPolicy) Threshold(n int, readOnly bool) int {
	if n < 1 {
		return 1
	}
	f := FaultyTolerance(n)
	if readOnly {
		return f + 1
	}
	return n - f
}

func (p *BFTPolicy) ReadSubsetSize(n int) int {
	size := n/2 + 1
	if p.ReadSubset > 0 {
		size = p.ReadSubset
	}
	// never smaller than the read threshold, never larger than the pool
	if floor := p.Threshold(n, true); size < floor {
		size = floor
	}
	if size > n {
		size = n
	}
	return size
}
