package couchbase

// CasSetter is implemented by documents that want their CAS after a read.
type CasSetter interface {
	SetCas(cas uint64)
}

// Cas can be embedded in a document to carry its CAS value.
type Cas struct {
	c uint64
}

func (c *Cas) GetCas() uint64 {
	return c.c
}

func (c *Cas) SetCas(cas uint64) {
	c.c = cas
}
