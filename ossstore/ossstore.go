// Package ossstore is the Aliyun OSS backend for task objects.
package ossstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"
	"github.com/cenkalti/backoff/v5"
)

// Store keeps task objects in an Aliyun OSS bucket under "<prefix>/<taskID>/<file>".
// Reads and writes go through the internal endpoint; signed URLs use the public one.
type Store struct {
	bucketName string

	uploadBucket *oss.Bucket
	signBucket   *oss.Bucket

	cred credentials.Credential

	prefix      string
	signExpiry  time.Duration
	putAttempts uint
}

type Options struct {
	Bucket string
	// Region is required by AuthV4. Defaults to cn-heyuan.
	Region           string
	InternalEndpoint string
	PublicEndpoint   string
	// Prefix defaults to "documents".
	Prefix     string
	SignExpiry time.Duration
	// PutAttempts bounds upload retries on 5xx and network errors. Defaults to 3.
	PutAttempts uint
}

func (o *Options) normalize() error {
	o.Bucket = strings.TrimSpace(o.Bucket)
	if o.Bucket == "" {
		return errors.New("OSS_BUCKET 为空")
	}
	o.Region = strings.TrimSpace(o.Region)
	if o.Region == "" {
		// AuthV4 needs a region; most buckets of this deployment live in cn-heyuan.
		o.Region = "cn-heyuan"
	}
	o.InternalEndpoint = strings.TrimSpace(o.InternalEndpoint)
	o.PublicEndpoint = strings.TrimSpace(o.PublicEndpoint)
	if o.InternalEndpoint == "" && o.PublicEndpoint == "" {
		return errors.New("已设置 OSS_BUCKET，但缺少 OSS_ENDPOINT_INTERNAL/OSS_ENDPOINT_PUBLIC")
	}
	if o.PublicEndpoint == "" {
		// 兜底：签名 URL 必须对浏览器可访问；若只填 internal，就会签出 internal 域名导致外网打不开。
		o.PublicEndpoint = o.InternalEndpoint
	}
	if o.InternalEndpoint == "" {
		o.InternalEndpoint = o.PublicEndpoint
	}
	o.Prefix = strings.Trim(strings.TrimSpace(o.Prefix), "/")
	if o.Prefix == "" {
		o.Prefix = "documents"
	}
	if o.SignExpiry <= 0 {
		o.SignExpiry = 10 * time.Minute
	}
	if o.PutAttempts == 0 {
		o.PutAttempts = 3
	}
	return nil
}

func New(opts Options) (*Store, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	cred, err := newAlibabaCredential(opts.Region) // 支持：本地 AK、ACK RRSA(OIDC)、其他链路
	if err != nil {
		return nil, fmt.Errorf("init alibaba credentials failed: %w", err)
	}
	// 尽早校验一次，避免后续 PutObject 以“匿名请求”形式打到 OSS，导致 403 bucket acl 这种误导性错误。
	if err := validateAlibabaCredential(cred); err != nil {
		return nil, err
	}

	provider := &credentialsProvider{cred: cred}
	open := func(endpoint, role string) (*oss.Bucket, error) {
		client, err := newOSSClient(endpoint, opts.Region, provider)
		if err != nil {
			return nil, fmt.Errorf("init oss %s client failed: %w", role, err)
		}
		b, err := client.Bucket(opts.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open oss bucket(%s) failed: %w", role, err)
		}
		return b, nil
	}
	ub, err := open(opts.InternalEndpoint, "upload")
	if err != nil {
		return nil, err
	}
	sb, err := open(opts.PublicEndpoint, "sign")
	if err != nil {
		return nil, err
	}

	return &Store{
		bucketName:   opts.Bucket,
		uploadBucket: ub,
		signBucket:   sb,
		cred:         cred,
		prefix:       opts.Prefix,
		signExpiry:   opts.SignExpiry,
		putAttempts:  opts.PutAttempts,
	}, nil
}

func newAlibabaCredential(region string) (credentials.Credential, error) {
	// 当 RRSA 环境变量存在时，显式指定 OIDC 方式，并允许指定 STS endpoint，
	// 以便在“无公网/NAT 异常”时更容易定位问题/切换到区域化 STS 域名。
	roleArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_ROLE_ARN"))
	providerArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_PROVIDER_ARN"))
	tokenFile := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_TOKEN_FILE"))
	if roleArn != "" && providerArn != "" && tokenFile != "" {
		cfg := new(credentials.Config).
			SetType("oidc_role_arn").
			SetRoleArn(roleArn).
			SetOIDCProviderArn(providerArn).
			SetOIDCTokenFilePath(tokenFile)

		stsEndpoint := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_STS_ENDPOINT"))
		if stsEndpoint == "" {
			// 默认仍保持通用域名，但推荐你在生产设置为 sts.<region>.aliyuncs.com（例如 sts.cn-heyuan.aliyuncs.com）
			stsEndpoint = "sts.aliyuncs.com"
			if strings.TrimSpace(region) != "" {
				stsEndpoint = "sts." + strings.TrimSpace(region) + ".aliyuncs.com"
			}
		}
		cfg.SetSTSEndpoint(stsEndpoint)
		return credentials.NewCredential(cfg)
	}
	return credentials.NewCredential(nil)
}

func validateAlibabaCredential(cred credentials.Credential) error {
	if cred == nil {
		return errors.New("阿里云凭证未初始化（RRSA/AK/STS 都不可用）")
	}
	c, err := cred.GetCredential()
	if err != nil {
		return fmt.Errorf("获取阿里云临时凭证失败（检查 RRSA 注入/STS 连通性/NAT）：%w", err)
	}
	if c == nil || c.AccessKeyId == nil || c.AccessKeySecret == nil || strings.TrimSpace(*c.AccessKeyId) == "" || strings.TrimSpace(*c.AccessKeySecret) == "" {
		return errors.New("阿里云凭证为空：很可能 RRSA 未注入。请检查 Pod 内是否存在 ALIBABA_CLOUD_ROLE_ARN / ALIBABA_CLOUD_OIDC_PROVIDER_ARN / ALIBABA_CLOUD_OIDC_TOKEN_FILE")
	}
	return nil
}

func newOSSClient(endpoint, region string, provider oss.CredentialsProvider) (*oss.Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint empty")
	}
	opts := []oss.ClientOption{
		oss.SetCredentialsProvider(provider),
		oss.AuthVersion(oss.AuthV4),
	}
	if strings.TrimSpace(region) != "" {
		opts = append(opts, oss.Region(region))
	}
	// accessKeyId/secret 留空，完全走 provider（RRSA/AK/STS）。
	return oss.New(endpoint, "", "", opts...)
}

func (s *Store) Enabled() bool { return s != nil && s.uploadBucket != nil && s.signBucket != nil }

func (s *Store) Bucket() string {
	if s == nil {
		return ""
	}
	return s.bucketName
}

// key maps an object name ("{taskID}/{file}") to its OSS key under the configured prefix.
func (s *Store) key(objectName string) string {
	name := strings.TrimLeft(strings.ReplaceAll(strings.TrimSpace(objectName), "\\", "/"), "/")
	return path.Join(s.prefix, path.Clean("/" + name)[1:])
}

func (s *Store) ensureCred() error {
	if s == nil || s.cred == nil {
		return errors.New("阿里云凭证未初始化（RRSA/AK/STS 都不可用）")
	}
	// 这里主动触发一次刷新/校验，避免 OSS SDK 以“空 AK/SK”匿名请求打到 OSS，导致误导性的 bucket acl 403。
	return validateAlibabaCredential(s.cred)
}

func (s *Store) ready() error {
	if !s.Enabled() {
		return errors.New("oss not enabled")
	}
	return s.ensureCred()
}

// Object is a listed key (prefix stripped) with its size in bytes.
type Object struct {
	Name string
	Size int64
}

// List returns the objects under "{taskID}/".
func (s *Store) List(ctx context.Context, taskID string) ([]Object, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	taskID = strings.Trim(strings.TrimSpace(taskID), "/")
	if taskID == "" {
		return nil, errors.New("taskID empty")
	}
	listPrefix := s.key(taskID) + "/"
	base := s.prefix + "/"

	var objs []Object
	token := ""
	for {
		opts := []oss.Option{oss.WithContext(ctx), oss.Prefix(listPrefix), oss.MaxKeys(1000)}
		if token != "" {
			opts = append(opts, oss.ContinuationToken(token))
		}
		res, err := s.uploadBucket.ListObjectsV2(opts...)
		if err != nil {
			return nil, fmt.Errorf("list oss objects prefix=%s: %w", listPrefix, err)
		}
		for _, obj := range res.Objects {
			if strings.HasSuffix(obj.Key, "/") {
				continue
			}
			objs = append(objs, Object{Name: strings.TrimPrefix(obj.Key, base), Size: obj.Size})
		}
		if !res.IsTruncated || res.NextContinuationToken == "" {
			break
		}
		token = res.NextContinuationToken
	}
	return objs, nil
}

func (s *Store) Fetch(ctx context.Context, objectName, localPath string) error {
	if err := s.ready(); err != nil {
		return err
	}
	localPath = strings.TrimSpace(localPath)
	if strings.TrimSpace(objectName) == "" || localPath == "" {
		return errors.New("invalid objectName/localPath")
	}
	// 用 uploadBucket（通常指向 internal endpoint）拉取对象，避免出网带宽。
	rc, err := s.uploadBucket.GetObject(s.key(objectName), oss.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("get oss object %s: %w", objectName, err)
	}
	defer rc.Close()
	return writeAtomic(localPath, rc)
}

// writeAtomic copies r next to dst and renames it into place, so an interrupted download
// never leaves a truncated input in the task workspace.
func writeAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) Put(ctx context.Context, localPath, objectName, contentType string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	localPath = strings.TrimSpace(localPath)
	if strings.TrimSpace(objectName) == "" || localPath == "" {
		return "", errors.New("invalid objectName/localPath")
	}
	opts := []oss.Option{oss.WithContext(ctx)}
	if strings.TrimSpace(contentType) != "" {
		opts = append(opts, oss.ContentType(strings.TrimSpace(contentType)))
	}
	key := s.key(objectName)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.uploadBucket.PutObjectFromFile(key, localPath, opts...)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.attempts()),
	)
	if err != nil {
		return "", fmt.Errorf("put oss object %s: %w", objectName, err)
	}
	return objectName, nil
}

func (s *Store) attempts() uint {
	if s.putAttempts == 0 {
		return 3
	}
	return s.putAttempts
}

// retryable reports whether an OSS error is worth another upload attempt: server-side
// failures and throttling are, client errors (bad key, denied ACL) are not.
func retryable(err error) bool {
	var se oss.ServiceError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == 429
	}
	var sep *oss.ServiceError
	if errors.As(err, &sep) {
		return sep.StatusCode >= 500 || sep.StatusCode == 429
	}
	// local file errors will not fix themselves
	var pe *fs.PathError
	return !errors.As(err, &pe)
}

// SignURL returns a public-endpoint GET URL valid for the configured expiry.
func (s *Store) SignURL(objectName string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if strings.TrimSpace(objectName) == "" {
		return "", errors.New("objectName empty")
	}
	return s.signBucket.SignURL(s.key(objectName), oss.HTTPGet, int64(s.signExpiry.Seconds()))
}

// --- Credentials bridge: credentials-go -> OSS SDK V1 ---

type credentialsProvider struct {
	cred credentials.Credential
}

type ossCred struct {
	AccessKeyId     string
	AccessKeySecret string
	SecurityToken   string
}

func (c *ossCred) GetAccessKeyID() string     { return c.AccessKeyId }
func (c *ossCred) GetAccessKeySecret() string { return c.AccessKeySecret }
func (c *ossCred) GetSecurityToken() string   { return c.SecurityToken }

func (p *credentialsProvider) GetCredentials() oss.Credentials {
	out, err := p.cred.GetCredential()
	if err != nil || out == nil || out.AccessKeyId == nil || out.AccessKeySecret == nil {
		// OSS SDK V1 的 provider 接口不返回 error；这里返回空凭证，让请求在调用时失败并暴露错误。
		return &ossCred{}
	}
	token := ""
	if out.SecurityToken != nil {
		token = *out.SecurityToken
	}
	return &ossCred{
		AccessKeyId:     deref(out.AccessKeyId),
		AccessKeySecret: deref(out.AccessKeySecret),
		SecurityToken:   token,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
