package authgate

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stx-gateway/pkg/logger"
)

// ErrAuthorizationPending 授权交易已广播但尚未打包。
// 调用方据此跳过当前支付，等下个周期再试。
var ErrAuthorizationPending = errors.New("merchant authorization pending")

// redis 镜像集合, 多实例部署时共享授权缓存
const authorizedSetKey = "gateway:authorized_merchants"

// Authorizer 是门卫对合约的依赖，contract.Adapter 满足该接口。
type Authorizer interface {
	AuthorizeMerchant(ctx context.Context, merchantAddr string, feePercent decimal.Decimal) (string, error)
	IsMerchantAuthorized(ctx context.Context, merchantAddr string) (bool, error)
}

// Gate 商户授权门卫。结算前商户必须在合约中授权，
// 门卫负责按需提交授权交易并对并发请求去重（同一商户只发一笔）。
type Gate struct {
	contract Authorizer
	redis    *redis.Client // 可为 nil, 单实例部署时只用本地缓存

	mu         sync.Mutex
	authorized map[string]struct{}
	inflight   map[string]string // merchantAddr -> 授权交易 txid
}

func NewGate(contract Authorizer, rdb *redis.Client) *Gate {
	return &Gate{
		contract:   contract,
		redis:      rdb,
		authorized: make(map[string]struct{}),
		inflight:   make(map[string]string),
	}
}

// EnsureAuthorized 保证商户已获得合约授权。
// 已授权返回 ("", nil)；授权在途返回 (txid, ErrAuthorizationPending)。
// 授权状态只增不减，本地缓存命中后不再查链。
func (g *Gate) EnsureAuthorized(ctx context.Context, merchantAddr string, feePercent decimal.Decimal) (string, error) {
	g.mu.Lock()
	if _, ok := g.authorized[merchantAddr]; ok {
		g.mu.Unlock()
		return "", nil
	}
	pendingTx, hasPending := g.inflight[merchantAddr]
	g.mu.Unlock()

	if g.cachedInRedis(ctx, merchantAddr) {
		g.markAuthorized(ctx, merchantAddr, false)
		return "", nil
	}

	// 有在途交易时先查链：可能已经打包生效
	ok, err := g.contract.IsMerchantAuthorized(ctx, merchantAddr)
	if err != nil {
		return "", err
	}
	if ok {
		g.markAuthorized(ctx, merchantAddr, true)
		return "", nil
	}

	if hasPending {
		return pendingTx, ErrAuthorizationPending
	}

	g.mu.Lock()
	// 双重检查, 避免并发下同一商户发出两笔授权
	if txid, ok := g.inflight[merchantAddr]; ok {
		g.mu.Unlock()
		return txid, ErrAuthorizationPending
	}
	// 占位后再广播，持锁期间不做网络调用之外的事
	g.inflight[merchantAddr] = ""
	g.mu.Unlock()

	txid, err := g.contract.AuthorizeMerchant(ctx, merchantAddr, feePercent)
	if err != nil {
		g.mu.Lock()
		delete(g.inflight, merchantAddr)
		g.mu.Unlock()
		return "", err
	}

	g.mu.Lock()
	g.inflight[merchantAddr] = txid
	g.mu.Unlock()

	logger.Info("[AuthGate] 已提交商户授权交易",
		zap.String("merchant", merchantAddr), zap.String("txid", txid))
	return txid, ErrAuthorizationPending
}

func (g *Gate) markAuthorized(ctx context.Context, merchantAddr string, mirror bool) {
	g.mu.Lock()
	g.authorized[merchantAddr] = struct{}{}
	delete(g.inflight, merchantAddr)
	g.mu.Unlock()

	if mirror && g.redis != nil {
		if err := g.redis.SAdd(ctx, authorizedSetKey, merchantAddr).Err(); err != nil {
			// 镜像失败无碍正确性, 下次走链上查询兜底
			logger.Warn("[AuthGate] 写入授权镜像失败", zap.Error(err))
		}
	}
}

func (g *Gate) cachedInRedis(ctx context.Context, merchantAddr string) bool {
	if g.redis == nil {
		return false
	}
	ok, err := g.redis.SIsMember(ctx, authorizedSetKey, merchantAddr).Result()
	if err != nil {
		return false
	}
	return ok
}
