package revenue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
	"IntelMarket-Chain/pkg/logger"
)

// TotalBasisPoints 表示 100%。
const TotalBasisPoints int64 = 10000

const (
	// CodeAllocationInvalid 表示分账配置不合法。
	CodeAllocationInvalid xerrors.Code = "ALLOCATION_INVALID"
	// CodeLedgerCommit 表示分账结果未能落库。
	CodeLedgerCommit xerrors.Code = "LEDGER_COMMIT_FAILED"
)

func init() {
	xerrors.Register(CodeAllocationInvalid, xerrors.Attributes{
		Message:  "allocation buckets invalid",
		Class:    xerrors.ClassFatal,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeLedgerCommit, xerrors.Attributes{
		Message:  "allocation ledger commit failed",
		Class:    xerrors.ClassTransient,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Bucket 是一个资金桶及其基点比例。
type Bucket struct {
	Name        string `json:"name"`
	BasisPoints int64  `json:"basis_points"`
}

// Share 是单个资金桶在一次分账中获得的金额。
type Share struct {
	Bucket string       `json:"bucket"`
	Amount money.Amount `json:"amount"`
}

// Allocation 是一次分账的完整结果。
type Allocation struct {
	BatchID   string       `json:"batch_id"`
	Source    string       `json:"source"`
	Amount    money.Amount `json:"amount"`
	Shares    []Share      `json:"shares"`
	CreatedAt time.Time    `json:"created_at"`
}

// Sum 返回各桶金额之和。
func (a Allocation) Sum() money.Amount {
	var total money.Amount
	for _, s := range a.Shares {
		total += s.Amount
	}
	return total
}

// Ledger 持久化分账结果。Commit 必须是原子的：要么全部桶入账，要么都不入账。
type Ledger interface {
	Commit(ctx context.Context, allocation Allocation) error
	Totals(ctx context.Context) (map[string]money.Amount, error)
}

// DefaultBuckets 返回默认的 60/25/10/5 拆分。
func DefaultBuckets() []Bucket {
	return []Bucket{
		{Name: "operations", BasisPoints: 6000},
		{Name: "reserve", BasisPoints: 2500},
		{Name: "development", BasisPoints: 1000},
		{Name: "community", BasisPoints: 500},
	}
}

// Allocator 按固定比例拆分收入。
type Allocator struct {
	buckets   []Bucket
	remainder int
	ledger    Ledger
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Allocator)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithIDGenerator 替换批次 ID 生成方式。
func WithIDGenerator(newID func() string) Option {
	return func(a *Allocator) {
		if newID != nil {
			a.newID = newID
		}
	}
}

// NewAllocator 校验桶配置并构造分账器。remainder 指定承接舍入余数的桶。
func NewAllocator(buckets []Bucket, remainder string, ledger Ledger, opts ...Option) (*Allocator, error) {
	if ledger == nil {
		return nil, xerrors.New(CodeAllocationInvalid, "分账账本未配置")
	}
	if len(buckets) == 0 {
		return nil, xerrors.New(CodeAllocationInvalid, "至少需要一个资金桶")
	}
	seen := make(map[string]struct{}, len(buckets))
	remainderIdx := -1
	var total int64
	cleaned := make([]Bucket, 0, len(buckets))
	for i, b := range buckets {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return nil, xerrors.New(CodeAllocationInvalid, fmt.Sprintf("第 %d 个资金桶缺少名称", i+1))
		}
		if _, dup := seen[name]; dup {
			return nil, xerrors.New(CodeAllocationInvalid, "资金桶名称重复: "+name)
		}
		if b.BasisPoints < 0 || b.BasisPoints > TotalBasisPoints {
			return nil, xerrors.New(CodeAllocationInvalid, fmt.Sprintf("资金桶 %s 的基点 %d 超出范围", name, b.BasisPoints))
		}
		seen[name] = struct{}{}
		total += b.BasisPoints
		if name == strings.TrimSpace(remainder) {
			remainderIdx = i
		}
		cleaned = append(cleaned, Bucket{Name: name, BasisPoints: b.BasisPoints})
	}
	if total != TotalBasisPoints {
		return nil, xerrors.New(CodeAllocationInvalid, fmt.Sprintf("资金桶基点合计为 %d，应为 %d", total, TotalBasisPoints))
	}
	if remainderIdx < 0 {
		return nil, xerrors.New(CodeAllocationInvalid, fmt.Sprintf("余数桶 %q 不在资金桶列表中", remainder))
	}

	a := &Allocator{
		buckets:   cleaned,
		remainder: remainderIdx,
		ledger:    ledger,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger.Named("revenue"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Buckets 返回桶配置副本。
func (a *Allocator) Buckets() []Bucket {
	out := make([]Bucket, len(a.buckets))
	copy(out, a.buckets)
	return out
}

// Split 计算各桶金额，不落库。
//
// 每个桶取 floor(amount*bp/10000)，按 q*bp + r*bp/10000 计算以避免溢出，
// 余数全部计入余数桶，因此合计恒等于 amount。
func (a *Allocator) Split(amount money.Amount) ([]Share, error) {
	if amount < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("分账金额不能为负: %d", amount))
	}
	q, r := int64(amount)/TotalBasisPoints, int64(amount)%TotalBasisPoints
	shares := make([]Share, len(a.buckets))
	var allocated int64
	for i, b := range a.buckets {
		part := q*b.BasisPoints + r*b.BasisPoints/TotalBasisPoints
		shares[i] = Share{Bucket: b.Name, Amount: money.Amount(part)}
		allocated += part
	}
	shares[a.remainder].Amount += money.Amount(int64(amount) - allocated)
	return shares, nil
}

// Allocate 拆分金额并原子落库，批次 ID 随机生成。只有账本提交成功后才返回分账结果。
func (a *Allocator) Allocate(ctx context.Context, amount money.Amount, source string) (Allocation, error) {
	return a.AllocateBatch(ctx, a.newID(), amount, source)
}

// AllocateBatch 使用调用方给定的批次 ID 落库。同一批次重复提交时账本返回 CONFLICT，
// 这里视为此前的提交已生效并返回同样的分账结果，因此对同一笔付款的重试只会入账一次。
func (a *Allocator) AllocateBatch(ctx context.Context, batchID string, amount money.Amount, source string) (Allocation, error) {
	if strings.TrimSpace(batchID) == "" {
		return Allocation{}, xerrors.New(xerrors.CodeInvalidArgument, "分账批次 ID 不能为空")
	}
	shares, err := a.Split(amount)
	if err != nil {
		return Allocation{}, err
	}
	allocation := Allocation{
		BatchID:   batchID,
		Source:    source,
		Amount:    amount,
		Shares:    shares,
		CreatedAt: a.now().UTC(),
	}
	if err := a.ledger.Commit(ctx, allocation); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeConflict {
			a.logger.Info("分账批次已入账，跳过重复提交",
				slog.String("batch_id", batchID),
				slog.String("source", source),
			)
			return allocation, nil
		}
		if _, ok := xerrors.From(err); ok {
			return Allocation{}, err
		}
		return Allocation{}, xerrors.Wrap(CodeLedgerCommit, err, "分账落库失败")
	}

	attrs := []any{
		slog.String("batch_id", allocation.BatchID),
		slog.String("source", source),
		slog.Int64("amount", int64(amount)),
	}
	for _, s := range shares {
		attrs = append(attrs, slog.Int64("bucket."+s.Bucket, int64(s.Amount)))
	}
	logger.Audit().Info("revenue allocated", attrs...)
	return allocation, nil
}

// Totals 返回各桶累计入账金额。
func (a *Allocator) Totals(ctx context.Context) (map[string]money.Amount, error) {
	return a.ledger.Totals(ctx)
}
