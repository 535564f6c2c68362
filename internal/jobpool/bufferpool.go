package jobpool

import (
	"fmt"
	"strings"
	"sync"
)

// pageSize is the allocation granularity BufferPool rounds up to, chosen
// to match typical chunk block transfer sizes rather than the OS page
// size.
const pageSize = 4096

// BufferPool recycles the read/write packet buffers ServRead and
// ServWrite jobs shuttle between a socket and a collaborator, avoiding a
// fresh allocation on every chunk block transferred. Grounded on the
// teacher's fuse/bufferpool.go page-bucketed free list.
type BufferPool struct {
	lock sync.Mutex

	buffersBySize [][][]byte
	created       int
	outstanding   int
}

// NewBufferPool returns an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{buffersBySize: make([][][]byte, 0, 32)}
}

func (p *BufferPool) String() string {
	p.lock.Lock()
	defer p.lock.Unlock()

	var parts []string
	for pages, bufs := range p.buffersBySize {
		if len(bufs) > 0 {
			parts = append(parts, fmt.Sprintf("%d*%dB=%d", pages, pageSize, len(bufs)))
		}
	}
	return fmt.Sprintf("created=%d outstanding=%d free=[%s]", p.created, p.outstanding, strings.Join(parts, ", "))
}

func (p *BufferPool) getLocked(pages int) []byte {
	for ; pages < len(p.buffersBySize); pages++ {
		bucket := p.buffersBySize[pages]
		if len(bucket) > 0 {
			b := bucket[len(bucket)-1]
			p.buffersBySize[pages] = bucket[:len(bucket)-1]
			return b
		}
	}
	return nil
}

func (p *BufferPool) putLocked(b []byte, pages int) {
	for len(p.buffersBySize) <= pages {
		p.buffersBySize = append(p.buffersBySize, nil)
	}
	p.buffersBySize[pages] = append(p.buffersBySize[pages], b)
}

// Alloc returns a buffer of at least size bytes, recycled from the free
// list when possible.
func (p *BufferPool) Alloc(size uint32) []byte {
	sz := int(size)
	if sz < pageSize {
		sz = pageSize
	}
	if sz%pageSize != 0 {
		sz += pageSize - sz%pageSize
	}
	pages := sz / pageSize

	p.lock.Lock()
	defer p.lock.Unlock()

	b := p.getLocked(pages)
	if b == nil {
		p.created++
		b = make([]byte, size, pages*pageSize)
	} else {
		b = b[:size]
	}
	p.outstanding++
	return b
}

// Free returns a buffer previously obtained from Alloc to the pool. It is
// not an error to call Free with a slice obtained elsewhere; such slices
// are simply dropped.
func (p *BufferPool) Free(b []byte) {
	if b == nil || cap(b) == 0 || cap(b)%pageSize != 0 {
		return
	}
	pages := cap(b) / pageSize

	p.lock.Lock()
	defer p.lock.Unlock()
	p.putLocked(b[:pages*pageSize], pages)
	if p.outstanding > 0 {
		p.outstanding--
	}
}
