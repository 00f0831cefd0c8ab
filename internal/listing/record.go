package listing

// MaxPhotos caps the number of photos carried by a Record.
const MaxPhotos = 10

// Record is the normalized view of one vehicle listing page.
// It is produced once per resolution and not modified afterwards.
type Record struct {
	Title       string
	Price       *int
	Mileage     *int
	Year        *int
	Fuel        string
	Gearbox     string
	Power       string
	Description string
	Specs       Specs
	Photos      [][]byte
	SourceURL   string

	// Strategy names the extraction strategy that produced the record.
	Strategy string
}

// HasPhotos reports whether the record carries at least one photo.
func (r Record) HasPhotos() bool {
	return len(r.Photos) > 0
}

// Specs is an insertion-ordered map of extra vehicle attribute names to values.
type Specs struct {
	keys   []string
	values map[string]string
}

// Set stores value under key. A key that already exists keeps its position.
func (s *Specs) Set(key, value string) {
	if key == "" {
		return
	}
	if s.values == nil {
		s.values = map[string]string{}
	}
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

func (s Specs) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s Specs) Len() int {
	return len(s.keys)
}

// Keys returns the keys in insertion order.
func (s Specs) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Each calls fn for every entry in insertion order.
func (s Specs) Each(fn func(key, value string)) {
	for _, k := range s.keys {
		fn(k, s.values[k])
	}
}

// Clone returns an independent copy.
func (s Specs) Clone() Specs {
	var out Specs
	s.Each(out.Set)
	return out
}
