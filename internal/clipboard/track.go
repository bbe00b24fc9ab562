package clipboard

// Backend names the fit kind a Track was produced by.
type Backend string

const (
	BackendStraightLine Backend = "straightline"
	BackendGBL          Backend = "gbl"
	BackendMultiplet    Backend = "multiplet"
)

// Residual holds the per-detector fit residuals and kink.
type Residual struct {
	LocalX, LocalY   float64
	GlobalX, GlobalY float64
	KinkX, KinkY     float64
}

// Track is a fitted or to-be-fitted trajectory: a straight line, a
// broken-lines trajectory, or a multiplet composing two of the former.
// Only the fields common to all backends live here; backend-specific
// fit state lives in internal/fitter and is attached via FitResult.
type Track struct {
	Backend Backend

	// Clusters this track was built from, ordered by global z.
	// References, not copies; the Clipboard owns the Cluster storage.
	Clusters []ClusterRef

	// AssociatedClusters are clusters attached after fitting (e.g. DUT
	// clusters matched to an already-fitted telescope track) rather
	// than used in the fit itself.
	AssociatedClusters map[string][]ClusterRef

	Fitted bool
	Chi2   float64
	Ndof   int

	// State/Direction per detector, keyed by detectorID, populated by
	// the fitter on Fit(). For a StraightLineTrack these are the same
	// global line evaluated at each detector's z; for a GblTrack they
	// are the locally corrected trajectory point and tangent.
	StateByDetector     map[string][3]float64
	DirectionByDetector map[string][3]float64
	ResidualByDetector  map[string]Residual

	TimestampNs float64

	// Multiplet-only fields.
	Upstream, Downstream *Track
	ScattererZ           float64
	PositionAtScatterer  [2]float64
	KinkAtScatterer      [2]float64
}

// NewTrack creates an unfitted track of the given backend.
func NewTrack(backend Backend) *Track {
	return &Track{
		Backend:             backend,
		AssociatedClusters:  map[string][]ClusterRef{},
		StateByDetector:     map[string][3]float64{},
		DirectionByDetector: map[string][3]float64{},
		ResidualByDetector:  map[string]Residual{},
	}
}

// AddCluster appends a cluster used in the fit itself.
func (t *Track) AddCluster(ref ClusterRef) {
	t.Clusters = append(t.Clusters, ref)
}

// AddAssociatedCluster attaches a cluster that was matched to the
// track post-fit (e.g. DUT association) without participating in it.
func (t *Track) AddAssociatedCluster(ref ClusterRef) {
	t.AssociatedClusters[ref.DetectorID] = append(t.AssociatedClusters[ref.DetectorID], ref)
}

// GetAssociatedClusters returns the associated clusters for one detector.
func (t *Track) GetAssociatedClusters(detectorID string) []ClusterRef {
	return t.AssociatedClusters[detectorID]
}

// GetClusters returns the clusters the fit itself used.
func (t *Track) GetClusters() []ClusterRef { return t.Clusters }

// IsFitted reports whether Fit() has succeeded for this track.
func (t *Track) IsFitted() bool { return t.Fitted }

// Chi2Value returns the fit chi-square.
func (t *Track) Chi2Value() float64 { return t.Chi2 }

// NdofValue returns the fit's degrees of freedom.
func (t *Track) NdofValue() int { return t.Ndof }

// Chi2Ndof returns chi2/ndof, or 0 if ndof is not yet positive.
func (t *Track) Chi2Ndof() float64 {
	if t.Ndof <= 0 {
		return 0
	}
	return t.Chi2 / float64(t.Ndof)
}

// GetState returns the fitted state (position) at a detector.
func (t *Track) GetState(detectorID string) [3]float64 {
	return t.StateByDetector[detectorID]
}

// GetDirection returns the fitted direction (tangent) at a detector.
func (t *Track) GetDirection(detectorID string) [3]float64 {
	return t.DirectionByDetector[detectorID]
}

// GetKinkAt returns the local kink angle at a detector (zero for a
// straight-line track, populated by the GBL and multiplet fits).
func (t *Track) GetKinkAt(detectorID string) [2]float64 {
	r := t.ResidualByDetector[detectorID]
	return [2]float64{r.KinkX, r.KinkY}
}
