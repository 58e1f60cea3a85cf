// 版权所有 2024 CodeGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供统一的缓存接口与两种后端实现: Redis 与进程内内存。
FIM 重复告警抑制等场景通过 Cache 接口使用, 部署无 Redis 时自动
退化为 Memory 实现。

# 核心类型

  - Cache：最小缓存接口(Get/Set/Delete/Ping/Close)，
    未命中返回 ErrCacheMiss。
  - Manager：Redis 实现，持有 go-redis 客户端与连接池配置，
    额外提供 GetJSON/SetJSON 便捷序列化方法与后台健康检查。
  - Memory：进程内实现，带过期清理协程，默认部署使用。
  - Config：Redis 配置，包含地址、密码、连接池大小、默认 TTL
    与健康检查间隔等参数。

# 主要能力

  - 键值读写：支持字符串与 JSON 两种模式的缓存存取。
  - 连接池管理：通过 PoolSize 与 MinIdleConns 控制连接复用。
  - 健康检查：后台定时 Ping 检测，异常时通过 zap 日志告警。
  - 优雅关闭：Close 方法安全释放底层资源。
  - 错误语义：提供 ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
