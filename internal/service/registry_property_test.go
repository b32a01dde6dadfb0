package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/pu-ac-cn/uac-ticket/internal/model"
	"github.com/pu-ac-cn/uac-ticket/internal/repository"
)

// 生成随机服务 URL
func genService() gopter.Gen {
	return gen.OneConstOf(
		"https://app1.example.com",
		"https://app2.example.com/callback",
		"https://service.internal.net",
		"http://localhost:8080",
	)
}

// 生成随机认证上下文
func genPayload() gopter.Gen {
	return gen.SliceOf(gen.UInt8()).Map(func(b []uint8) []byte {
		return []byte(b)
	})
}

// Property: ST 单次使用
// *For any* 单次使用的 ST，N 个并发校验恰好一个成功，其余返回已使用
func TestProperty_ServiceTicket_ExactlyOnce(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			clk := newFakeClock()
			reg := newTestRegistry(factory(t, clk), nil, clk)
			ctx := context.Background()

			tgt, err := reg.CreateTicketGrantingTicket(ctx, []byte("alice"))
			if err != nil {
				t.Fatal(err)
			}

			parameters := gopter.DefaultTestParameters()
			parameters.MinSuccessfulTests = 20
			properties := gopter.NewProperties(parameters)

			properties.Property("并发校验恰好一次成功", prop.ForAll(
				func(service string, n int) bool {
					st, err := reg.GrantServiceTicket(ctx, tgt.ID, service)
					if err != nil {
						return false
					}

					var (
						wg        sync.WaitGroup
						mu        sync.Mutex
						successes int
						consumed  int
						others    int
					)
					for i := 0; i < n; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							_, err := reg.ValidateServiceTicket(ctx, st.ID, service)
							mu.Lock()
							defer mu.Unlock()
							switch {
							case err == nil:
								successes++
							case errors.Is(err, ErrTicketAlreadyConsumed):
								consumed++
							default:
								others++
							}
						}()
					}
					wg.Wait()
					return successes == 1 && consumed == n-1 && others == 0
				},
				genService(),
				gen.IntRange(2, 8),
			))

			properties.TestingRun(t)
		})
	}
}

// Property: 过期即清理
// *For any* 有效期，超过有效期后读取返回已过期，再次读取返回不存在
func TestProperty_Ticket_CleanupOnRead(t *testing.T) {
	clk := newFakeClock()
	reg := newTestRegistry(repository.NewMemoryTicketStore(), nil, clk)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("过期后读取：先返回已过期，再返回不存在", prop.ForAll(
		func(ttlSeconds int) bool {
			ttl := time.Duration(ttlSeconds) * time.Second
			id := "ST-" + uuid.New().String()
			st := model.NewTicket(id, model.TypeST, model.HardTimeout(ttl), nil, clk.Now())
			if err := reg.AddTicket(ctx, st); err != nil {
				return false
			}

			if _, err := reg.GetTicket(ctx, id, model.TypeST); err != nil {
				return false
			}

			clk.Advance(ttl + time.Second)
			_, err := reg.GetTicket(ctx, id, model.TypeST)
			if !errors.Is(err, ErrTicketExpired) {
				return false
			}
			_, err = reg.GetTicket(ctx, id, model.TypeST)
			return errors.Is(err, ErrTicketNotFound)
		},
		gen.IntRange(1, 3600),
	))

	properties.TestingRun(t)
}

// Property: 加密往返
// *For any* 认证上下文，经加密存储后读取得到相同的载荷
func TestProperty_Ticket_EncryptedPayloadRoundTrip(t *testing.T) {
	clk := newFakeClock()
	reg := newTestRegistry(repository.NewMemoryTicketStore(), newAEAD(t), clk)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("加密存储后载荷不变", prop.ForAll(
		func(payload []byte) bool {
			tgt, err := reg.CreateTicketGrantingTicket(ctx, payload)
			if err != nil {
				return false
			}
			got, err := reg.GetTicket(ctx, tgt.ID, model.TypeTGT)
			if err != nil {
				return false
			}
			return string(got.Payload) == string(payload)
		},
		genPayload(),
	))

	properties.TestingRun(t)
}
