package audio

import "io"

// progressThreshold is the minimum byte delta between progress
// callbacks, so large downloads do not flood listeners.
const progressThreshold = 256 << 10 // 256 KB

// progressReader counts bytes flowing through a download and reports
// {loaded, total, percent} to its callback.
type progressReader struct {
	r          io.Reader
	total      int64
	loaded     int64
	lastReport int64
	onProgress func(loaded, total int64, percent float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		if p.loaded-p.lastReport >= progressThreshold || err == io.EOF {
			p.lastReport = p.loaded
			p.onProgress(p.loaded, p.total, p.percent())
		}
	}
	return n, err
}

func (p *progressReader) percent() float64 {
	if p.total <= 0 {
		return 0
	}
	pct := float64(p.loaded) / float64(p.total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
