package vos

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cuemby/vos/pkg/events"
	"github.com/cuemby/vos/pkg/index"
	"github.com/cuemby/vos/pkg/pmem"
)

// Container is a reference-counted handle to an open container. The
// owning pool cannot be destroyed while any container handle is live;
// Pool.refs tracks this.
type Container struct {
	pool *Pool
	id   uuid.UUID
	oi   *index.ObjectIndex
}

// ContainerCreate creates a new container within the pool. The container
// id is caller-supplied so it can be coordinated with an external
// placement layer; vos does not mint it.
func (p *Pool) ContainerCreate(id uuid.UUID, opts ContainerOptions) (*Container, error) {
	if err := p.checkWritable("container_create"); err != nil {
		return nil, err
	}
	var c *Container
	err := p.sched.Submit(func() error {
		tx, terr := p.arena.Begin()
		if terr != nil {
			return wrapErr("container_create", terr)
		}
		cdRoot := p.contDir.Root()
		oi, cerr := p.contDir.Create(tx, p.arena, id)
		if cerr != nil {
			tx.Abort()
			p.contDir.Reset(cdRoot)
			return wrapErr("container_create", cerr)
		}
		if perr := p.persistContainerDirRoot(tx); perr != nil {
			tx.Abort()
			p.contDir.Reset(cdRoot)
			return wrapErr("container_create", perr)
		}
		if cerr := tx.WithWAL(p.wal).Commit(); cerr != nil {
			return wrapErr("container_create", cerr)
		}
		c = &Container{pool: p, id: id, oi: oi}
		return nil
	})
	if err != nil {
		return nil, wrapErr("container_create", err)
	}
	atomic.AddInt32(&p.refs, 1)
	atomic.AddInt64(&p.handles, 1)
	p.broker.Publish(&events.Event{Type: events.EventContainerCreated, Message: id.String()})
	return c, nil
}

// ContainerOpen opens an existing container.
func (p *Pool) ContainerOpen(id uuid.UUID) (*Container, error) {
	oi, _, err := p.contDir.Open(p.arena, id)
	if err != nil {
		return nil, wrapErr("container_open", err)
	}
	atomic.AddInt32(&p.refs, 1)
	atomic.AddInt64(&p.handles, 1)
	return &Container{pool: p, id: id, oi: oi}, nil
}

// ContainerClose releases the handle.
func (c *Container) ContainerClose() error {
	atomic.AddInt32(&c.pool.refs, -1)
	atomic.AddInt64(&c.pool.handles, -1)
	return nil
}

// ContainerDestroy removes a container from the pool: its directory entry
// is deleted and its object index tree is freed (the objects' own key
// trees and value blocks are not; see ContainerDirectory.Destroy). Open
// handles are not tracked per container, and the call does not check
// for them.
func (p *Pool) ContainerDestroy(id uuid.UUID) error {
	if err := p.checkWritable("container_destroy"); err != nil {
		return err
	}
	err := p.sched.Submit(func() error {
		tx, terr := p.arena.Begin()
		if terr != nil {
			return wrapErr("container_destroy", terr)
		}
		cdRoot := p.contDir.Root()
		if derr := p.contDir.Destroy(tx, p.arena, id); derr != nil {
			tx.Abort()
			p.contDir.Reset(cdRoot)
			return wrapErr("container_destroy", derr)
		}
		if perr := p.persistContainerDirRoot(tx); perr != nil {
			tx.Abort()
			p.contDir.Reset(cdRoot)
			return wrapErr("container_destroy", perr)
		}
		return wrapErrIface("container_destroy", tx.WithWAL(p.wal).Commit())
	})
	if err != nil {
		return err
	}
	p.broker.Publish(&events.Event{Type: events.EventContainerDestroyed, Message: id.String()})
	return nil
}

// ContainerList enumerates container ids in this pool, up to max entries.
func (p *Pool) ContainerList(max int) ([]uuid.UUID, error) {
	ids, err := p.contDir.List(max)
	if err != nil {
		return nil, wrapErr("container_list", err)
	}
	return ids, nil
}

// saveIndexRoot re-persists this container's object-index root after a
// mutation split the index tree, keeping the directory entry — and the
// superblock's directory root, if the directory itself split in turn —
// pointing at the live roots across a pool reopen.
func (c *Container) saveIndexRoot(tx *pmem.Tx) error {
	p := c.pool
	_, h, err := p.contDir.Open(p.arena, c.id)
	if err != nil {
		return err
	}
	h.ObjIndexRoot = c.oi.Root()
	if err := p.contDir.UpdateHeader(tx, c.id, h); err != nil {
		return err
	}
	return p.persistContainerDirRoot(tx)
}

// UUID returns the container's identity.
func (c *Container) UUID() uuid.UUID { return c.id }

func (c *Container) String() string { return fmt.Sprintf("container(%s)", c.id) }
