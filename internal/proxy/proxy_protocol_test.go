package proxy_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/goishmem/goishmem/internal/dispatch"
	"github.com/goishmem/goishmem/internal/proto"
	"github.com/goishmem/goishmem/internal/proxy"
	"github.com/goishmem/goishmem/internal/ring"
)

var _ = Describe("Proxy", func() {
	var (
		r     *ring.Ring
		table *dispatch.Table
		p     *proxy.Proxy
		ctx   context.Context
		stop  context.CancelFunc
	)

	BeforeEach(func() {
		r = ring.New()
		table = dispatch.NewTable(nil)
		p = proxy.New(r, table, nil, nil)
		ctx, stop = context.WithCancel(context.Background())
		go p.Run(ctx)
	})

	AfterEach(func() {
		stop()
		Eventually(p.Stopped()).Should(BeClosed())
	})

	Context("when a registered handler services a request", func() {
		It("publishes a completion with the handler's return value", func() {
			table.Register(proto.OpPut, proto.TypeUint8, func(req *proto.Request, comp *proto.Completion) error {
				comp.StoreRet(7)
				return nil
			})

			slot, seq := r.Claim()
			req := r.Request(slot)
			req.Op = proto.OpPut
			req.Type = proto.TypeUint8
			r.Publish(req, 0, seq)

			comp := r.Completion(slot)
			Eventually(func() uint32 {
				return comp.LoadSequence()
			}, time.Second).Should(Equal(uint32(seq)))
			Expect(comp.LoadRet()).To(Equal(uint64(7)))
		})
	})

	Context("when a request targets an unregistered (op, type) cell", func() {
		It("transitions the proxy to the exit state", func() {
			slot, seq := r.Claim()
			req := r.Request(slot)
			req.Op = proto.OpGet
			req.Type = proto.TypeUint16
			r.Publish(req, 0, seq)

			Eventually(p.State).Should(Equal(proxy.StateExit))
		})
	})

	Context("when a KILL request is submitted", func() {
		It("halts the proxy without consulting the dispatch table", func() {
			slot, seq := r.Claim()
			req := r.Request(slot)
			req.Op = proto.OpKill
			r.Publish(req, 0, seq)

			Eventually(p.State).Should(Equal(proxy.StateExit))
			Eventually(p.Stopped()).Should(BeClosed())
		})
	})
})
